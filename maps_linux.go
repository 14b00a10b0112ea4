package livepatch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// mapping is one line of /proc/<pid>/maps.
type mapping struct {
	Region
	Path string
}

// readMaps parses /proc/<pid>/maps. pid may be "self".
func readMaps(pid string) ([]mapping, error) {
	path := filepath.Join("/proc", pid, "maps")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return parseMaps(f)
}

func parseMaps(r io.Reader) ([]mapping, error) {
	var out []mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// Format: address perms offset dev inode pathname
		// e.g.: 00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		start, end, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		lo, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			continue
		}
		hi, err := strconv.ParseUint(end, 16, 64)
		if err != nil || hi <= lo {
			continue
		}

		m := mapping{
			Region: Region{
				Base:      uintptr(lo),
				Size:      uintptr(hi - lo),
				Committed: true,
				Prot:      permsToProtection(fields[1]),
			},
		}
		if len(fields) >= 6 {
			m.Path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	return out, scanner.Err()
}

// permsToProtection converts a maps permission field such as "r-xp".
func permsToProtection(perms string) Protection {
	var p Protection
	if len(perms) < 4 {
		return p
	}
	if perms[0] == 'r' {
		p |= ProtRead
	}
	if perms[1] == 'w' {
		p |= ProtWrite
		if perms[3] == 'p' {
			p |= ProtCopy
		}
	}
	if perms[2] == 'x' {
		p |= ProtExec
	}
	return p
}

// imageOf returns the span of the mappings backed by exe.
func imageOf(maps []mapping, exe string) (Module, error) {
	var m Module
	for _, mp := range maps {
		if mp.Path != exe {
			continue
		}
		if m.Size == 0 {
			m = Module{Name: filepath.Base(exe), Base: mp.Base, Size: mp.Size}
			continue
		}
		end := max(m.Base+m.Size, mp.End())
		m.Base = min(m.Base, mp.Base)
		m.Size = end - m.Base
	}
	if m.Size == 0 {
		return Module{}, fmt.Errorf("no mapping of %s", exe)
	}
	return m, nil
}

func regionsOf(maps []mapping) []Region {
	out := make([]Region, len(maps))
	for i, mp := range maps {
		out[i] = mp.Region
	}
	sortRegions(out)
	return out
}

var errUnmapped = errors.New("address is not mapped")

func queryMaps(maps []mapping, addr uintptr) (Region, error) {
	for _, mp := range maps {
		if addr >= mp.Base && addr < mp.End() {
			return mp.Region, nil
		}
	}
	return Region{}, fmt.Errorf("%#x: %w", addr, errUnmapped)
}

// linuxProtection converts to mprotect flags.
func linuxProtection(p Protection) int {
	var prot int
	if p&ProtRead != 0 {
		prot |= protRead
	}
	if p&ProtWrite != 0 {
		prot |= protWrite
	}
	if p&ProtExec != 0 {
		prot |= protExec
	}
	return prot
}
