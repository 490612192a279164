package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unicon/sakora/internal/daemon"
	"github.com/unicon/sakora/internal/dashboard"
)

var daemonDashboard bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch the drop directory and reconcile new CSV deliveries",
	Long: `Watch the configured drop directory for CSV deliveries and run a
reconciliation pass whenever a delivery settles.

Deliveries are debounced so multi-file drops trigger a single run. With
--dashboard, a WebSocket monitor server broadcasts run events to connected
clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		st, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		runner, err := buildRunner(cfg, st, log)
		if err != nil {
			return err
		}

		if daemonDashboard {
			server := dashboard.NewServer(dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: log,
			})
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()
			runner.SetObserver(server)
		}

		d, err := daemon.New(runner, cfg.DropDir, &daemon.Config{
			Debounce:    cfg.Daemon.Debounce,
			InitialSync: true,
			Logger:      log,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return d.Start(ctx)
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonDashboard, "dashboard", false,
		"serve the WebSocket run monitor alongside the daemon")
	rootCmd.AddCommand(daemonCmd)
}
