package livepatch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/Binject/debug/pe"
)

const (
	resourceDirEntry = 2  // IMAGE_DIRECTORY_ENTRY_RESOURCE
	resourceVersion  = 16 // RT_VERSION

	resourceSubdir = 0x80000000
)

// imageReader reads the target image by offset from its base.
type imageReader struct {
	mem   *Memory
	image Module
}

func (r imageReader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 || uintptr(off) >= r.image.Size {
		return 0, io.EOF
	}
	n := min(len(p), int(r.image.Size-uintptr(off)))
	b, err := r.mem.ReadMemory(r.image.Base+uintptr(off), n)
	if err != nil {
		return 0, err
	}
	copy(p, b)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// productVersion returns the ProductVersion string from the version resource
// of a mapped PE image.
func productVersion(mem *Memory, image Module) (string, error) {
	f, err := pe.NewFileFromMemory(imageReader{mem: mem, image: image})
	if err != nil {
		return "", fmt.Errorf("parsing PE headers: %w", err)
	}
	defer f.Close()

	var dirs []pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	default:
		return "", errors.New("no optional header")
	}
	if len(dirs) <= resourceDirEntry || dirs[resourceDirEntry].Size == 0 {
		return "", errors.New("no resource directory")
	}
	rsrc := dirs[resourceDirEntry]

	tree, err := mem.ReadMemory(image.Base+uintptr(rsrc.VirtualAddress), int(rsrc.Size))
	if err != nil {
		return "", fmt.Errorf("reading resource directory: %w", err)
	}

	rva, size, err := findVersionResource(tree)
	if err != nil {
		return "", err
	}
	blob, err := mem.ReadMemory(image.Base+uintptr(rva), int(size))
	if err != nil {
		return "", fmt.Errorf("reading version resource: %w", err)
	}

	v, ok := parseProductVersion(blob)
	if !ok {
		return "", errors.New("version resource has no ProductVersion")
	}
	return v, nil
}

// findVersionResource walks type, name and language levels of the resource
// tree and returns the RVA and size of the first RT_VERSION entry.
func findVersionResource(tree []byte) (rva, size uint32, err error) {
	off, err := resourceChild(tree, 0, resourceVersion, true)
	if err != nil {
		return 0, 0, fmt.Errorf("resource type: %w", err)
	}
	off, err = resourceChild(tree, off, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("resource name: %w", err)
	}
	off, err = resourceChild(tree, off, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("resource language: %w", err)
	}
	if int(off)+8 > len(tree) {
		return 0, 0, errors.New("resource data entry out of range")
	}
	return binary.LittleEndian.Uint32(tree[off:]), binary.LittleEndian.Uint32(tree[off+4:]), nil
}

// resourceChild returns the offset of the entry of the directory at dir
// whose ID is id, or of its first entry if match is false. Subdirectory
// offsets have their high bit cleared.
func resourceChild(tree []byte, dir uint32, id uint32, match bool) (uint32, error) {
	if int(dir)+16 > len(tree) {
		return 0, errors.New("directory out of range")
	}
	named := binary.LittleEndian.Uint16(tree[dir+12:])
	ids := binary.LittleEndian.Uint16(tree[dir+14:])
	count := uint32(named) + uint32(ids)

	for i := uint32(0); i < count; i++ {
		e := dir + 16 + i*8
		if int(e)+8 > len(tree) {
			return 0, errors.New("entry out of range")
		}
		name := binary.LittleEndian.Uint32(tree[e:])
		target := binary.LittleEndian.Uint32(tree[e+4:])
		if match && (name&resourceSubdir != 0 || name != id) {
			continue
		}
		return target &^ resourceSubdir, nil
	}
	return 0, errors.New("not found")
}

// parseProductVersion finds the ProductVersion string in a VS_VERSIONINFO
// blob. String blocks start on 4 byte boundaries with the key 6 bytes in.
func parseProductVersion(blob []byte) (string, bool) {
	key := utf16Bytes("ProductVersion\x00")

	for start := 0; ; {
		i := bytes.Index(blob[start:], key)
		if i < 0 {
			return "", false
		}
		i += start
		start = i + 1
		if i < 6 || (i-6)%4 != 0 {
			continue
		}

		words := int(binary.LittleEndian.Uint16(blob[i-4:]))
		value := alignUp(i+len(key), 4)
		end := min(value+words*2, len(blob))
		if value >= end {
			return "", true
		}

		raw := blob[value:end]
		u := make([]uint16, 0, len(raw)/2)
		for j := 0; j+1 < len(raw); j += 2 {
			c := binary.LittleEndian.Uint16(raw[j:])
			if c == 0 {
				break
			}
			u = append(u, c)
		}
		return strings.TrimSpace(string(utf16.Decode(u))), true
	}
}

func utf16Bytes(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, len(u)*2)
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[i*2:], c)
	}
	return b
}
