package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nodeforge/fabric/internal/config"
	"github.com/nodeforge/fabric/internal/model"
	"github.com/nodeforge/fabric/internal/node"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a fabric node",
	Long: `Start this machine as a cluster node. A coordinator hosts the internal
certificate authority and the bootstrap endpoints; a worker obtains its
leaf certificate from a bootstrap coordinator before serving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		var cfg config.Config
		var err error
		if cfgPath != "" {
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Defaults()
		}

		// Flags override file values so a config file stays optional for
		// quick single-node runs.
		if v, _ := cmd.Flags().GetString("node-id"); v != "" {
			cfg.NodeID = v
		}
		if v, _ := cmd.Flags().GetString("role"); v != "" {
			cfg.Role = model.Role(v)
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if v, _ := cmd.Flags().GetStringSlice("bootstrap"); len(v) > 0 {
			cfg.BootstrapCoordinators = v
		}
		if v, _ := cmd.Flags().GetInt("listen-port"); v != 0 {
			cfg.ListenPort = v
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		n, err := node.New(cfg)
		if err != nil {
			return err
		}

		fmt.Printf("Starting fabric node...\n")
		fmt.Printf("  Node ID: %s\n", cfg.NodeID)
		fmt.Printf("  Role: %s\n", cfg.Role)
		fmt.Printf("  Listen Port: %d\n", cfg.ListenPort)
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)

		return n.Run(context.Background())
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("node-id", "", "Stable node identifier")
	serveCmd.Flags().String("role", "", "Node role (coordinator or worker)")
	serveCmd.Flags().String("data-dir", "", "Data directory for the secure store")
	serveCmd.Flags().StringSlice("bootstrap", nil, "Bootstrap coordinator addresses (host:port)")
	serveCmd.Flags().Int("listen-port", 0, "TLS listener port")
}
