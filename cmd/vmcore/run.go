package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/decoder"
	"github.com/colorfulnotion/vmcore/dispatch"
	"github.com/colorfulnotion/vmcore/interp"
	log "github.com/colorfulnotion/vmcore/log"
	"github.com/colorfulnotion/vmcore/report"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/spf13/cobra"
)

type runFlags struct {
	base        uint64
	entry       uint64
	memSize     int
	maxBlocks   int
	runs        int
	vcpus       int
	metaDir     string
	metaBackend string
	prewarm     bool
	output      string
}

func (f *runFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.Uint64Var(&f.base, "base", 0x1000, "guest address the image is loaded at")
	fl.Uint64Var(&f.entry, "entry", 0, "entry address (default: base)")
	fl.IntVar(&f.memSize, "mem", 1<<20, "guest memory size in bytes")
	fl.IntVar(&f.maxBlocks, "max-blocks", 10_000_000, "stop each run after this many blocks (0 = no limit)")
	fl.IntVar(&f.runs, "runs", 1, "run the image this many times on the same core")
	fl.IntVar(&f.vcpus, "vcpus", 1, "vCPUs running the image concurrently in each run")
	fl.StringVar(&f.metaDir, "meta-dir", "", "directory of the cross-run metadata store (empty disables it)")
	fl.StringVar(&f.metaBackend, "meta-backend", "", "metadata backend: file, leveldb or pebble")
	fl.BoolVar(&f.prewarm, "prewarm", false, "compile blocks known from earlier runs before running")
}

// machine is one guest memory image driven by one dispatcher.
type machine struct {
	mem      *interp.FlatMemory
	d        *dispatch.Dispatcher
	stackTop uint64
}

func newMachine(cfg config.Config, f *runFlags, image []byte) (*machine, error) {
	if f.metaDir != "" {
		cfg.Metadata.Enabled = true
		cfg.Metadata.Dir = f.metaDir
	}
	if f.metaBackend != "" {
		cfg.Metadata.Backend = f.metaBackend
	}
	src, err := types.ParseArchitecture(cfg.Translator.SourceArch)
	if err != nil {
		return nil, err
	}
	if src != types.ArchX86_64 {
		return nil, fmt.Errorf("code images are decoded as x86_64, config has source arch %s", src)
	}
	if len(image) > f.memSize {
		return nil, fmt.Errorf("image of %d bytes does not fit in %d bytes of memory", len(image), f.memSize)
	}
	mem := interp.NewFlatMemory(f.base, f.memSize)
	if err := mem.LoadBytes(f.base, image); err != nil {
		return nil, err
	}
	source := decoder.NewMemoryBlockSource(mem, decoder.NewX86Decoder(), cfg.Dispatch.MaxBlockInsts)
	d, err := dispatch.New(cfg, source, mem, nil)
	if err != nil {
		return nil, err
	}
	mem.OnWrite(func(addr uint64, size int) {
		d.InvalidateRange(types.GuestAddress(addr), uint64(size))
	})
	return &machine{mem: mem, d: d, stackTop: f.base + uint64(f.memSize)}, nil
}

type vcpuResult struct {
	VCPU    int    `json:"vcpu"`
	Blocks  int    `json:"blocks"`
	Trapped bool   `json:"trapped"`
	Code    uint64 `json:"code"`
	State   string `json:"state"`
	Err     string `json:"err,omitempty"`
}

func (m *machine) run(ctx context.Context, f *runFlags) ([]vcpuResult, error) {
	entry := f.entry
	if entry == 0 {
		entry = f.base
	}
	if f.prewarm {
		n, err := m.d.Prewarm(ctx)
		if err != nil {
			return nil, err
		}
		fmt.Printf("prewarmed %d blocks\n", n)
	}
	sp := types.ArchX86_64.Info().StackReg
	var out []vcpuResult
	for run := 0; run < f.runs; run++ {
		results := make([]vcpuResult, f.vcpus)
		var wg sync.WaitGroup
		start := time.Now()
		for v := 0; v < f.vcpus; v++ {
			wg.Add(1)
			go func(v int) {
				defer wg.Done()
				st := interp.NewState(entry)
				st.Regs[sp] = m.stackTop - uint64(v)*0x1000
				last, n, err := m.d.Run(ctx, st, f.maxBlocks)
				r := vcpuResult{VCPU: v, Blocks: n, Trapped: last.Trapped, Code: uint64(last.Code), State: st.String()}
				if err != nil {
					r.Err = err.Error()
				}
				results[v] = r
			}(v)
		}
		wg.Wait()
		log.Info(log.DispatchMonitoring, "vmcore: run finished", "run", run, "vcpus", f.vcpus, "elapsed", time.Since(start))
		out = append(out, results...)
		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.d.WaitIdle(waitCtx); err != nil {
		log.Warn(log.DispatchMonitoring, "vmcore: compiles still pending", "err", err)
	}
	return out, nil
}

func runImage(cmd *cobra.Command, g *globalFlags, f *runFlags, path string, after func(*machine) error) error {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return err
	}
	shutdown, err := setupTracing(cmd.Context(), g.traceEndpoint)
	if err != nil {
		return err
	}
	defer shutdown()

	image, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m, err := newMachine(cfg, f, image)
	if err != nil {
		return err
	}
	results, err := m.run(cmd.Context(), f)
	for _, r := range results {
		if r.Err != "" {
			fmt.Printf("vcpu %d: %d blocks, failed: %s\n  %s\n", r.VCPU, r.Blocks, r.Err, r.State)
			continue
		}
		fmt.Printf("vcpu %d: %d blocks, trapped=%v code=%d\n  %s\n", r.VCPU, r.Blocks, r.Trapped, r.Code, r.State)
	}
	if err == nil && after != nil {
		err = after(m)
	}
	if cerr := m.d.Close(); err == nil {
		err = cerr
	}
	return err
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Run a raw x86_64 code image on the tiered core",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImage(cmd, g, f, args[0], func(m *machine) error {
				snap := report.Collect(m.d, 20)
				switch f.output {
				case "text":
					return report.WriteText(os.Stdout, snap)
				case "json":
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(snap)
				case "none":
					return nil
				}
				return fmt.Errorf("unknown output %q", f.output)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&f.output, "output", "o", "text", "stats output: text, json or none")
	return cmd
}

func newReportCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	var out, serve string
	cmd := &cobra.Command{
		Use:   "report <image>",
		Short: "Run an image and render the core's state as an HTML report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImage(cmd, g, f, args[0], func(m *machine) error {
				if serve != "" {
					return report.Serve(serve, func() report.Snapshot { return report.Collect(m.d, 50) })
				}
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := report.WriteHTML(file, report.Collect(m.d, 50)); err != nil {
					file.Close()
					return err
				}
				fmt.Printf("report written to %s\n", out)
				return file.Close()
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&out, "out", "vmcore-report.html", "HTML file to write")
	cmd.Flags().StringVar(&serve, "serve", "", "serve the report on this address instead, e.g. :3030")
	return cmd
}
