package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/api"
)

var (
	servePort int
	serveReap bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the evidence, consensus, merge, source and signal APIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		router := api.NewRouter(api.RouterConfig{
			Catalog:     e.Catalog,
			Evidence:    e.Evidence,
			Detector:    e.Detector,
			Consensus:   e.Resolver,
			Finder:      e.Finder,
			Thresholds:  e.Thresholds,
			Merger:      e.Merger,
			Controls:    e.Controls,
			Scheduler:   e.Scheduler,
			Signals:     e.Signals,
			CORSOrigins: cfg.Server.CORSOrigins,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		if serveReap {
			go e.Reaper.Run(ctx)
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveReap, "reap", true, "reset expired job leases in the background")
	rootCmd.AddCommand(serveCmd)
}
