package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voys/parceldesk/config"
	"github.com/voys/parceldesk/internal/broker/kafka"
	"github.com/voys/parceldesk/internal/cache/rediscache"
	"github.com/voys/parceldesk/internal/integrations/meli"
	"github.com/voys/parceldesk/internal/integrations/meli/fake"
	"github.com/voys/parceldesk/internal/integrations/meli/melihttp"
	"github.com/voys/parceldesk/internal/services/mlauth"
	"github.com/voys/parceldesk/internal/services/notifications"
	"github.com/voys/parceldesk/internal/services/packages"
	"github.com/voys/parceldesk/internal/services/routes"
	"github.com/voys/parceldesk/internal/storage/pgstore"
)

type parcelAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   parcelAPIOpts

	storage     *pgstore.Storage
	packagesSvc *packages.Service
	routesSvc   *routes.Service
	authSvc     *mlauth.Service
	notifySvc   *notifications.Service
	consumer    *kafka.Consumer
}

func mustBootstrapParcelAPI() *parcelAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config parse failed: %v", err))
	}

	httpAddr := cfg.Parceldesk.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.Parceldesk.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "parcel-api"
	}
	topic := cfg.Kafka.PackageUpdatedTopicName
	if topic == "" {
		topic = "package.updated"
	}
	cacheTTL := time.Duration(cfg.Parceldesk.CurrentPackageTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	labelDir := cfg.Parceldesk.LabelExportDir
	if labelDir == "" {
		labelDir = "./labels"
	}

	defaultLoc := time.UTC
	if cfg.Parceldesk.DefaultTimezone != "" {
		if loc, lerr := time.LoadLocation(cfg.Parceldesk.DefaultTimezone); lerr == nil {
			defaultLoc = loc
		}
	}

	st := mustOpenPostgresWithRetry(connString(cfg), 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	meliClient := buildMeliClient(cfg)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)

	authSvc := mlauth.New(st, meliClient)
	packagesSvc := packages.New(st, rc, cacheTTL, defaultLoc)
	routesSvc := routes.New(st)
	labels := notifications.NewLabelStore(st, meliClient, labelDir)
	notifySvc := notifications.New(st, authSvc, meliClient, producer, topic, labels)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &parcelAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: parcelAPIOpts{
			httpAddr:      httpAddr,
			topic:         topic,
			consumerGroup: consumerGroup,
		},
		storage:     st,
		packagesSvc: packagesSvc,
		routesSvc:   routesSvc,
		authSvc:     authSvc,
		notifySvc:   notifySvc,
		consumer:    consumer,
	}
}

func connString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func buildMeliClient(cfg *config.Config) meli.Client {
	if cfg.Meli.UseFake || cfg.Meli.BaseURL == "" {
		return fake.New()
	}
	return melihttp.New(cfg.Meli.BaseURL, cfg.Meli.ClientID, cfg.Meli.ClientSecret, cfg.Meli.RedirectURI)
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgstore.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgstore.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *parcelAPIApp) Run() error {
	return runParcelAPI(a.ctx, a.opts, a.packagesSvc, a.routesSvc, a.notifySvc, a.authSvc, a.storage, a.consumer)
}

func (a *parcelAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.notifySvc != nil {
		a.notifySvc.Wait()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.storage != nil {
		a.storage.Close()
	}
}

func isCtxCanceled(err error) bool {
	return err == context.Canceled
}
