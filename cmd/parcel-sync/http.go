package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voys/parceldesk/config"
	"github.com/voys/parceldesk/internal/services/mlsync"
)

type syncHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	syncer *mlsync.Syncer
	cfg    *config.Config
}

// runSyncHTTPServer exposes the worker's operational surface: health,
// stats, a manual sweep trigger and the effective settings.
func runSyncHTTPServer(ctx context.Context, opts syncHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.syncer == nil {
			_, _ = w.Write([]byte(`{"error":"syncer not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.syncer.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Avoid dumping secrets; show only operational worker settings.
		out := map[string]any{
			"syncIntervalSeconds": opts.cfg.Parceldesk.SyncIntervalSeconds,
			"batchSize":           opts.cfg.Parceldesk.SyncBatchSize,
			"batchPauseMillis":    opts.cfg.Parceldesk.SyncBatchPauseMillis,
			"rateLimitPerMinute":  opts.cfg.Parceldesk.SyncRateLimitPerMinute,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	// Default is a non-blocking nudge to the worker loop; ?wait=1 runs the
	// cycle inline and reports how many candidates it considered.
	r.Post("/trigger", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.syncer == nil {
			_, _ = w.Write([]byte(`{"error":"syncer not wired"}`))
			return
		}
		if req.URL.Query().Get("wait") == "1" {
			n, err := opts.syncer.RunOnce(req.Context())
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"triggered": true, "candidates": n})
			return
		}
		opts.syncer.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv.Serve(lis)
}
