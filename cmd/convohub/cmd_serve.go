package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"convohub/internal/catalog"
	"convohub/internal/config"
	"convohub/internal/guard"
	"convohub/internal/hub"
	"convohub/internal/logging"
	"convohub/internal/process"
	"convohub/internal/store"
	"convohub/internal/transport"
)

var (
	serveAddr     string
	statsInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session server",
	Long: `Starts the HTTP/WebSocket server. Clients connect to the WebSocket path with
?project=<dir>; without it they join the configured workspace.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().DurationVar(&statsInterval, "stats-interval", time.Minute, "How often to log session statistics (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ws, err := cfg.WorkspacePath()
	if err != nil {
		return fmt.Errorf("failed to resolve workspace: %w", err)
	}
	roots := cfg.Server.AllowedRoots
	if len(roots) == 0 {
		roots = []string{ws}
	}

	h := hub.New(hub.Options{
		Store:        st,
		Catalog:      catalog.New(""),
		NewAssistant: assistantFactory(cfg),
		Guard: guard.Config{
			CriticalFiles: cfg.Guard.CriticalFiles,
			Tools:         cfg.Guard.Tools,
			AutoConfirm:   cfg.Guard.AutoConfirm,
		},
		AllowedRoots:  roots,
		IdleTimeout:   cfg.GetIdleTimeout(),
		WatchSettings: true,
	})
	defer h.Close()

	srv := transport.New(h, transport.Options{
		Addr:           cfg.Server.Addr,
		WSPath:         cfg.Server.WSPath,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxConnections: cfg.Server.MaxConnections,
		ClientBuffer:   cfg.Server.ClientBuffer,
		DefaultProject: ws,
		Version:        version,
	})

	logging.Boot("convohub %s starting: addr=%s workspace=%s storage=%s", version, cfg.Server.Addr, ws, cfg.Storage.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if statsInterval > 0 {
		g.Go(func() error {
			logStats(gctx, h, statsInterval)
			return nil
		})
	}

	err = g.Wait()
	logging.Boot("shutting down")
	return err
}

func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.Open(cfg.Storage.Backend, cfg.Storage.SQLitePath,
		store.WithCorruptionHandler(func(e *store.CorruptHistoryError) {
			logging.Get(logging.CategoryStore).Error("%v", e)
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s history store: %w", cfg.Storage.Backend, err)
	}
	return st, nil
}

func assistantFactory(cfg *config.Config) hub.AssistantFactory {
	launch := process.Launch{
		Command: cfg.Assistant.Command,
		Args:    cfg.AssistantArgs(),
		Env:     cfg.Assistant.Env,
	}
	stopTimeout := cfg.GetStopTimeout()
	buffer := cfg.Assistant.OutputBuffer

	return func(projectPath string) hub.Assistant {
		l := launch
		l.Dir = projectPath
		return process.New(process.Options{
			Launch:       l,
			StopTimeout:  stopTimeout,
			OutputBuffer: buffer,
		})
	}
}

func logStats(ctx context.Context, h *hub.Hub, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range h.Sessions(ctx) {
				logging.SessionDebug("session %s: clients=%d users=%d state=%s messages=%d",
					s.ProjectPath, s.Clients, s.Users, s.State, s.Messages)
			}
		}
	}
}
