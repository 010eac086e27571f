// vmcore runs raw guest code images through the tiered translation core and
// inspects what it left behind.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/colorfulnotion/vmcore/config"
	log "github.com/colorfulnotion/vmcore/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type globalFlags struct {
	configPath    string
	logLevel      string
	debug         string
	traceEndpoint string
}

// loadConfig reads the config file when one is given and applies the
// persistent flags over it.
func (g *globalFlags) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.DefaultConfig()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return cfg, err
		}
	}
	if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = g.logLevel
	}
	if g.debug != "" {
		cfg.LogModules = g.debug
	}
	log.InitLogger(cfg.LogLevel)
	log.EnableModules(cfg.LogModules)
	return cfg, nil
}

func main() {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "vmcore",
		Short:         "Tiered binary translation core",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "JSON configuration file")
	pf.StringVar(&g.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&g.debug, "debug", "", "comma-separated log modules to enable, e.g. dispatch_mod,hot_mod")
	pf.StringVar(&g.traceEndpoint, "trace-endpoint", "", "OTLP/HTTP collector (host:port) for compile spans")

	rootCmd.AddCommand(
		newRunCmd(g),
		newReportCmd(g),
		newDecodeCmd(g),
		newMetaCmd(g),
	)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "vmcore: %v\n", err)
		os.Exit(1)
	}
}
