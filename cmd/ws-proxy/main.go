package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antmicro/renode-ws-proxy/internal/config"
	"github.com/antmicro/renode-ws-proxy/internal/logger"
	"github.com/antmicro/renode-ws-proxy/internal/server"
	"github.com/antmicro/renode-ws-proxy/internal/wire"
)

// buildVersion is stamped by the release pipeline.
var buildVersion = "dev"

const (
	exitBindFailure  = 1
	exitBadArguments = 2
	exitBadBinary    = 3
)

func main() {
	var (
		port              int
		gdb               string
		debug             bool
		disableGUI        bool
		disableForwarding bool
		showVersion       bool
	)

	cmd := &cobra.Command{
		Use:           "ws-proxy <renode-binary> <execution-dir>",
		Short:         "WebSocket based server for managing a remote Renode instance",
		Args:          cobra.RangeArgs(0, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("renode-ws-proxy=%s protocol=%s\n", buildVersion, wire.ProtocolVersion)
				return nil
			}
			if len(args) != 2 {
				return fmt.Errorf("expected <renode-binary> and <execution-dir> arguments")
			}

			overrides := config.Overrides{}
			if cmd.Flags().Changed("debug") {
				overrides.Debug = &debug
			}
			if cmd.Flags().Changed("port") {
				overrides.Port = &port
			}
			if cmd.Flags().Changed("gdb") {
				overrides.GDBBinary = &gdb
			}
			if cmd.Flags().Changed("disable-renode-gui") {
				overrides.GUIDisabled = &disableGUI
			}
			if cmd.Flags().Changed("disable-proxy-monitor-forwarding") {
				overrides.MonitorForwardingDisabled = &disableForwarding
			}

			cfg, err := config.Load(args[0], args[1], overrides)
			if err != nil {
				if strings.Contains(err.Error(), "cannot be executed") {
					logger.Errorf("%v", err)
					os.Exit(exitBadBinary)
				}
				return err
			}

			if cfg.Debug {
				logger.SetLevel(logger.LevelDebug)
			}
			if cfg.GUIDisabled {
				logger.Infof("RENODE_PROXY_GUI_DISABLED is set, Renode cannot be run with GUI")
			}

			staging, err := os.MkdirTemp("", "renode-ws-proxy-")
			if err != nil {
				return err
			}

			srv := server.New(cfg, staging)
			defer srv.Shutdown()
			if err := srv.Run(); err != nil {
				logger.Errorf("server failed: %v", err)
				os.Exit(exitBindFailure)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "WebSocket server port")
	cmd.Flags().StringVarP(&gdb, "gdb", "g", "", "path to the gdb binary used for /run bridges")
	cmd.Flags().Lookup("gdb").NoOptDefVal = ""
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().BoolVar(&disableGUI, "disable-renode-gui", false, "turn off the Renode GUI")
	cmd.Flags().BoolVar(&disableForwarding, "disable-proxy-monitor-forwarding", false,
		"turn off debug logging of protocol-driven Monitor commands")
	cmd.Flags().BoolVarP(&showVersion, "version", "v", false, "display proxy and data protocol versions")

	if err := cmd.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(exitBadArguments)
	}
}
