package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/voys/parceldesk/internal/api/packagesapi"
	"github.com/voys/parceldesk/internal/broker/messages"
	"github.com/voys/parceldesk/internal/services/mlauth"
	"github.com/voys/parceldesk/internal/services/notifications"
	"github.com/voys/parceldesk/internal/services/packages"
	"github.com/voys/parceldesk/internal/services/routes"
)

type parcelAPIOpts struct {
	httpAddr string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func runParcelAPI(
	ctx context.Context,
	opts parcelAPIOpts,
	packagesSvc *packages.Service,
	routesSvc *routes.Service,
	notifySvc *notifications.Service,
	authSvc *mlauth.Service,
	mappings packagesapi.MappingsRepo,
	consumer kafkaConsumer,
) error {
	api := packagesapi.New(packagesSvc, routesSvc, notifySvc, authSvc, mappings, nil)

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: api.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if consumer != nil {
		go func() {
			slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			_ = consumer.Consume(ctx, func(_ []byte, value []byte) error {
				var m messages.PackageUpdated
				if err := json.Unmarshal(value, &m); err != nil {
					return err
				}
				// readers pick up the committed row on the next fetch
				packagesSvc.InvalidateCurrent(ctx, m.PackageID)
				return nil
			})
		}()
	}

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
