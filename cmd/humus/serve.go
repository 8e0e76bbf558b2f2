package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/humus/pkg/replication"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept replication sessions over websocket",
	Long: `Serve the database as a replication peer. Other databases replicate with
it by dialing ws://<addr>/db.`,
	Run: func(cmd *cobra.Command, args []string) {
		db, cfg := openDB(false)
		defer db.Close()

		addr := serveAddr
		if addr == "" {
			addr = cfg.Listen
		}
		if addr == "" {
			addr = ":5984"
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mux := http.NewServeMux()
		mux.Handle("/db", replication.NewHandler(db, slog.Default()))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		slog.Info("serving replication", "addr", addr, "uuid", db.UUID(), "read_only", readOnly)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("Server failed", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (defaults to humus.yaml listen, then :5984)")
}
