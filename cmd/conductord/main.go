// conductord is the session service daemon: it owns the store, provisions
// execution backends, and serves the HTTP/websocket API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/pkg/backend"
	"github.com/conductorhq/conductor/pkg/backend/docker"
	"github.com/conductorhq/conductor/pkg/backend/local"
	"github.com/conductorhq/conductor/pkg/config"
	"github.com/conductorhq/conductor/pkg/server"
	"github.com/conductorhq/conductor/pkg/session"
	"github.com/conductorhq/conductor/pkg/store/jsonl"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "conductord",
		Short:        "Agent session service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return listSessions(cfg)
		},
	}

	root.AddCommand(serveCmd, sessionsCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newProvider(cfg config.Config) (backend.Provider, error) {
	sessionsRoot := filepath.Join(cfg.DataDir, "sessions")
	switch cfg.Backend.Kind {
	case "local":
		return local.NewProvider(local.Config{
			Root:     sessionsRoot,
			Commands: cfg.Backend.Commands,
		})
	default:
		return docker.NewProvider(docker.Config{
			Root:   sessionsRoot,
			Images: cfg.Backend.Images,
		})
	}
}

func serve(cfg config.Config) error {
	st, err := jsonl.NewManager(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	defer provider.Close()

	registry := session.NewRegistry(st, provider, session.Config{
		HealthInterval: cfg.HealthInterval,
		SyncInterval:   cfg.SyncInterval,
	})
	srv := server.New(st, registry)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("server shutdown incomplete", "error", err)
	}
	if err := registry.Shutdown(ctx); err != nil {
		slog.Warn("session shutdown incomplete", "error", err)
	}
	return nil
}

func listSessions(cfg config.Config) error {
	st, err := jsonl.NewManager(cfg.DataDir)
	if err != nil {
		return err
	}
	records, err := st.ListSessions()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tENGINE\tSTATUS\tMODIFIED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Title, r.Engine, r.Status, r.Modified.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
