package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/colorfulnotion/vmcore/common"
	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/metastore"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
)

func newMetaCmd(g *globalFlags) *cobra.Command {
	var mc config.MetadataConfig
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Inspect the cross-run compiled block metadata store",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&mc.Dir, "dir", "", "store directory")
	pf.StringVar(&mc.Backend, "backend", "file", "store backend: file, leveldb or pebble")
	cmd.MarkPersistentFlagRequired("dir")

	open := func(cmd *cobra.Command) (*metastore.Store, error) {
		if _, err := g.loadConfig(cmd); err != nil {
			return nil, err
		}
		mc.Enabled = true
		return metastore.Open(mc)
	}

	var asJSON, color bool
	dump := &cobra.Command{
		Use:   "dump",
		Short: "List known blocks, most compiled first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			records := s.All()
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			st := s.Stats()
			tree := treeprint.New()
			tree.SetValue(fmt.Sprintf("%s (%s): %d blocks, %d compiles, %d bytes of code",
				mc.Dir, st.Backend, st.Entries, st.TotalCompiles, st.TotalCodeSize))
			for _, r := range records {
				b := tree.AddBranch(common.Colorize(color, common.ColorBlue, r.Addr.String()))
				b.AddMetaNode("compile_count", common.Colorize(color, common.ColorGreen, fmt.Sprint(r.CompileCount)))
				b.AddMetaNode("code_size", r.CodeSize)
				b.AddMetaNode("ir_hash", fmt.Sprintf("%016x", r.IRHash))
				b.AddMetaNode("last_compiled", r.LastCompiled.Format("2006-01-02 15:04:05.000"))
			}
			if st.Rejected > 0 {
				tree.AddNode(common.Colorize(color, common.ColorYellow,
					fmt.Sprintf("%d stored images rejected on load", st.Rejected)))
			}
			fmt.Print(tree.String())
			return nil
		},
	}
	dump.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	dump.Flags().BoolVar(&color, "color", false, "color the tree for terminals")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every record from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			n := s.Len()
			if err := s.Clear(); err != nil {
				s.Close()
				return err
			}
			fmt.Printf("removed %d records\n", n)
			return s.Close()
		},
	}

	cmd.AddCommand(dump, clearCmd)
	return cmd
}
