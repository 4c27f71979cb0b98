package main

import (
	"context"
	"fmt"
	"time"

	"github.com/voys/parceldesk/config"
	"github.com/voys/parceldesk/internal/broker/kafka"
	"github.com/voys/parceldesk/internal/cache/rediscache"
	"github.com/voys/parceldesk/internal/integrations/meli"
	"github.com/voys/parceldesk/internal/integrations/meli/fake"
	"github.com/voys/parceldesk/internal/integrations/meli/melihttp"
	"github.com/voys/parceldesk/internal/services/mlauth"
	"github.com/voys/parceldesk/internal/services/mlsync"
	"github.com/voys/parceldesk/internal/storage/pgstore"
)

type syncFactories struct {
	newStorage     func(cfg *config.Config) (*pgstore.Storage, error)
	newProducer    func(cfg *config.Config) mlsync.Producer
	newRateLimiter func(cfg *config.Config) mlsync.RateLimiter
	newMeliClient  func(cfg *config.Config) meli.Client
}

func defaultSyncFactories() syncFactories {
	return syncFactories{
		newStorage: func(cfg *config.Config) (*pgstore.Storage, error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			return pgstore.New(connString)
		},
		newProducer: func(cfg *config.Config) mlsync.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) mlsync.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newMeliClient: func(cfg *config.Config) meli.Client {
			if cfg.Meli.UseFake || cfg.Meli.BaseURL == "" {
				return fake.New()
			}
			return melihttp.New(cfg.Meli.BaseURL, cfg.Meli.ClientID, cfg.Meli.ClientSecret, cfg.Meli.RedirectURI)
		},
	}
}

func RunParcelSync(ctx context.Context, cfg *config.Config, f syncFactories) error {
	topic := cfg.Kafka.PackageUpdatedTopicName
	if topic == "" {
		topic = "package.updated"
	}

	interval := time.Duration(cfg.Parceldesk.SyncIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batchSize := cfg.Parceldesk.SyncBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	batchPause := time.Duration(cfg.Parceldesk.SyncBatchPauseMillis) * time.Millisecond
	if batchPause <= 0 {
		batchPause = time.Second
	}
	rlPerMin := int64(cfg.Parceldesk.SyncRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	st, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	meliClient := f.newMeliClient(cfg)

	authSvc := mlauth.New(st, meliClient)
	syncer := mlsync.New(st, authSvc, meliClient, producer, rl, topic).
		WithSettings(interval, batchSize, batchPause, rlPerMin)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runSyncHTTPServer(ctx, syncHTTPOpts{
			httpAddr: cfg.Parceldesk.SyncHTTPAddr,
			syncer:   syncer,
			cfg:      cfg,
		})
	}()

	syncErr := make(chan error, 1)
	go func() { syncErr <- syncer.Run(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-syncErr:
		return err
	case err := <-httpErr:
		return err
	}
}
