package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mordilloSan/go_logger/logger"
	"github.com/spf13/cobra"

	"github.com/mordilloSan/diskexplorer/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("listen", config.DefaultListen, "TCP address to listen on (empty disables)")
	serveCmd.Flags().String("socket-path", config.DefaultSocketPath, "Unix socket path (empty disables)")
	serveCmd.Flags().String("db-path", config.DefaultDBPath, "SQLite history database path")
	bindFlag(serveCmd, "server.listen", "listen")
	bindFlag(serveCmd, "server.socket_path", "socket-path")
	bindFlag(serveCmd, "storage.db_path", "db-path")
}

func serve(cfg *config.Config) error {
	d, err := NewDaemon(cfg)
	if err != nil {
		logger.Errorf("Failed to start daemon: %v", err)
		return err
	}
	defer d.Close()

	config.Watch(v, d.ApplyConfig)

	listenDisplay := cfg.Server.Listen
	if listenDisplay == "" {
		listenDisplay = "disabled"
	}
	socketDisplay := cfg.Server.SocketPath
	if socketDisplay == "" {
		socketDisplay = "disabled"
	}
	logger.Infof("Daemon initialized db=%s listen=%s socket=%s workers=%d trash=%t maintenance=%v",
		cfg.Storage.DBPath, listenDisplay, socketDisplay, cfg.Scan.Workers, d.files.TrashEnabled(), cfg.Storage.MaintenanceInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
		return <-errCh
	case err := <-errCh:
		if err != nil {
			logger.Errorf("Daemon exited with error: %v", err)
		}
		return err
	}
}
