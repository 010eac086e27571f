package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/vmcore/decoder"
	"github.com/colorfulnotion/vmcore/interp"
	"github.com/colorfulnotion/vmcore/transcache"
	"github.com/colorfulnotion/vmcore/translator"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/spf13/cobra"
)

func newDecodeCmd(g *globalFlags) *cobra.Command {
	var (
		base    uint64
		addr    uint64
		blocks  int
		showIR  bool
		fusion  bool
		disasm  bool
		dstName string
	)
	cmd := &cobra.Command{
		Use:   "decode <image>",
		Short: "Decode blocks of a raw x86_64 image and show their translation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if disasm {
				fmt.Print(decoder.Disassemble(image, base))
				return nil
			}
			if dstName != "" {
				cfg.Translator.TargetArch = dstName
			}
			dst, err := types.ParseArchitecture(cfg.Translator.TargetArch)
			if err != nil {
				return err
			}
			mem := interp.NewFlatMemory(base, len(image))
			if err := mem.LoadBytes(base, image); err != nil {
				return err
			}
			source := decoder.NewMemoryBlockSource(mem, decoder.NewX86Decoder(), cfg.Dispatch.MaxBlockInsts)
			tr := translator.New(cfg.Translator, transcache.New(cfg.TranslationCache),
				translator.WithFusion(fusion), translator.WithMemory(mem))

			if addr == 0 {
				addr = base
			}
			// Blocks are listed in address order, each starting where the
			// previous one ended.
			for i := 0; i < blocks && addr < base+uint64(len(image)); i++ {
				insts, err := source.FetchBlock(addr)
				if err != nil {
					return err
				}
				fmt.Printf("block %s (%d instructions)\n", types.GuestAddress(addr), len(insts))
				for j := range insts {
					fmt.Printf("  %s\n", insts[j].String())
				}
				if showIR {
					b, err := tr.TranslateBlock(types.ArchX86_64, dst, insts)
					if err != nil {
						fmt.Printf("  translation failed: %v\n", err)
					} else {
						fmt.Printf("  ir -> %s, hash %016x\n%s", dst, b.ContentHash(), b.String())
					}
				}
				addr = insts[len(insts)-1].NextPC()
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.Uint64Var(&base, "base", 0x1000, "guest address the image is loaded at")
	fl.Uint64Var(&addr, "addr", 0, "first block to decode (default: base)")
	fl.IntVarP(&blocks, "blocks", "n", 16, "number of consecutive blocks to decode")
	fl.BoolVar(&showIR, "ir", true, "show the translated IR of each block")
	fl.BoolVar(&fusion, "fusion", false, "translate with instruction fusion, as the optimized tier does")
	fl.BoolVar(&disasm, "disasm", false, "print a linear disassembly and exit")
	fl.StringVar(&dstName, "target", "", "target architecture (default: from config)")
	return cmd
}
