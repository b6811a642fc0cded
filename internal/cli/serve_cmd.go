package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (overrides basic_config.server_address)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, realtime relay and expiry reaper",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.hub.Start(ctx); err != nil {
			return fmt.Errorf("start relay bus: %w", err)
		}
		a.reaper.Start(ctx, time.Duration(cfg.Rooms.ReaperIntervalSeconds)*time.Second)

		router := gin.New()
		router.Use(gin.Logger(), gin.Recovery())
		if !cfg.BasicConfig.TrustProxy {
			if err := router.SetTrustedProxies(nil); err != nil {
				return err
			}
		}
		a.handler().RegisterRoutes(router)

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.BasicConfig.ServerAddress
		}
		if addr == "" {
			addr = ":8090"
		}
		srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("server: listening", "addr", addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server stopped: %w", err)
		case <-ctx.Done():
		}
		slog.Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
