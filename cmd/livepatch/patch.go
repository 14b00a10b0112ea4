package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pboyd/livepatch"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var patchFileFlag string

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Apply the edits in a YAML file until interrupted, then restore",
	Args:  cobra.NoArgs,
	RunE:  runPatch,
}

func init() {
	patchCmd.Flags().StringVarP(&patchFileFlag, "file", "f", "", "YAML file listing the edits")
	_ = patchCmd.MarkFlagRequired("file")
}

// patchFile is the format of --file.
//
//	edits:
//	  - name: game_start
//	    bytes: "E9 00 00 00 00"
//	  - signature: "83 EC 08 56 68 ?? ?? ?? ??"
//	    offset: 4
//	    bytes: "90 90 90 90 90"
//	  - address: 0x401000
//	    bytes: "C3"
type patchFile struct {
	Edits []patchEntry `yaml:"edits"`
}

// patchEntry locates its address by exactly one of Address, Name (from the
// build profile) or Signature plus Offset.
type patchEntry struct {
	Address   uint64             `yaml:"address"`
	Name      string             `yaml:"name"`
	Signature *livepatch.Pattern `yaml:"signature"`
	Offset    int64              `yaml:"offset"`
	Bytes     string             `yaml:"bytes"`
}

func loadPatchFile(r io.Reader) (*patchFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var pf patchFile
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("decoding patch file: %w", err)
	}
	if len(pf.Edits) == 0 {
		return nil, errors.New("patch file has no edits")
	}
	return &pf, nil
}

func (pe patchEntry) edit(engine *livepatch.Engine) (livepatch.Edit, error) {
	b, err := hex.DecodeString(strings.Join(strings.Fields(pe.Bytes), ""))
	if err != nil {
		return livepatch.Edit{}, fmt.Errorf("bytes: %w", err)
	}
	if len(b) == 0 {
		return livepatch.Edit{}, errors.New("no bytes")
	}

	set := 0
	for _, ok := range []bool{pe.Address != 0, pe.Name != "", pe.Signature != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return livepatch.Edit{}, errors.New("exactly one of address, name or signature is required")
	}

	var addr uintptr
	switch {
	case pe.Address != 0:
		addr = uintptr(pe.Address)
	case pe.Name != "":
		addr, err = engine.GetAddress(pe.Name)
	default:
		var found bool
		addr, found, err = engine.FindPattern(*pe.Signature)
		if err == nil && !found {
			err = fmt.Errorf("%s: not found", pe.Signature)
		}
	}
	if err != nil {
		return livepatch.Edit{}, err
	}
	return livepatch.Edit{Address: addr + uintptr(pe.Offset), Bytes: b}, nil
}

func runPatch(cmd *cobra.Command, args []string) error {
	f, err := os.Open(patchFileFlag)
	if err != nil {
		return err
	}
	pf, err := loadPatchFile(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	log := logger()
	engine, detach, err := attach(log)
	if err != nil {
		return err
	}
	defer detach()

	edits := make([]livepatch.Edit, len(pf.Edits))
	for i, pe := range pf.Edits {
		edits[i], err = pe.edit(engine)
		if err != nil {
			return fmt.Errorf("edit %d: %w", i, err)
		}
	}

	session := engine.NewSession()
	if err := session.PatchGame(edits); err != nil {
		return err
	}
	for _, rec := range session.Records() {
		log.Info().Str("addr", fmt.Sprintf("%#x", rec.Address)).Str("was", hex.EncodeToString(rec.Original)).Str("now", hex.EncodeToString(rec.New)).Msg("patched")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info().Msg("patches applied, interrupt to restore")
	<-ctx.Done()

	return session.RestoreGame()
}
