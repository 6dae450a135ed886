package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"reminders/internal/analytics"
	"reminders/internal/config"
	"reminders/internal/gateway"
	"reminders/internal/lock"
	"reminders/internal/logger"
	"reminders/internal/models"
	"reminders/internal/queue"
	"reminders/internal/recurrence"
	"reminders/internal/storage"
	"reminders/internal/trigger"
	"reminders/internal/worker"
)

// App holds every collaborator the binaries share.
type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Store     storage.Store
	Queue     queue.NearTermQueue
	Locker    lock.Locker
	Gateways  *gateway.Registry
	Displays  *gateway.DisplayHub
	Sink      analytics.Sink
	Scheduler *worker.Scheduler
	Trigger   *trigger.Trigger

	// Rabbit is set only when analytics go through RabbitMQ.
	Rabbit *analytics.RabbitSink

	closers []func() error
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	a := &App{Config: cfg, Logger: log}

	if err := a.build(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to release resources after setup error")
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = queue.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rdb.Close)
	}

	switch cfg.Queue.Driver {
	case "redis":
		a.Queue = queue.NewRedisQueue(rdb, cfg.Redis.QueueKey, a.Logger)
	default:
		a.Queue = queue.NewMemoryQueue()
	}

	switch cfg.Lock.Driver {
	case "redis":
		a.Locker = lock.NewRedisLocker(rdb, cfg.Redis.LockPrefix)
	case "local":
		a.Locker = lock.NewLocalLocker()
	}

	if err := a.buildGateways(); err != nil {
		return err
	}

	if err := a.buildSink(); err != nil {
		return err
	}

	var handler recurrence.Handler = recurrence.NewNopHandler(a.Logger)
	if cfg.Recurrence.WebhookURL != "" {
		handler = recurrence.NewWebhookHandler(cfg.Recurrence.WebhookURL, cfg.Recurrence.Timeout)
	}

	a.Scheduler, err = worker.NewScheduler(worker.Config{
		Store:      a.Store,
		Queue:      a.Queue,
		Gateways:   a.Gateways,
		Sink:       a.Sink,
		Recurrence: handler,
		Locker:     a.Locker,
		Logger:     a.Logger,
		BatchSize:  cfg.Worker.BatchSize,
		DueSoon:    cfg.Worker.DueSoon,
		JobTimeout: cfg.Worker.JobTimeout,
		LeaseTTL:   cfg.Worker.LeaseTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	a.Trigger, err = trigger.New(cfg.Worker.Schedule, a.Scheduler, a.Logger, cfg.Worker.SweepTimeout)
	if err != nil {
		return err
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	pg := a.Config.Storage.Postgres
	switch a.Config.Storage.Driver {
	case "postgres":
		store, err := storage.NewPostgresStorage(ctx, storage.PostgresConfig{
			DSN:             pg.DSN,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
			MaxConnIdleTime: pg.MaxConnIdleTime,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		a.Logger.Warn("Using in-memory storage, data is lost on restart")
		return storage.NewMemoryStorage(), nil
	}
}

// buildGateways registers a rate limited gateway for every channel that has
// provider settings. Channels left out are reported as unsupported at
// delivery time.
func (a *App) buildGateways() error {
	gw := a.Config.Gateways
	a.Gateways = gateway.NewRegistry()

	if gw.Chat.Token != "" {
		chat, err := gateway.NewChatGateway(gw.Chat.Token)
		if err != nil {
			return err
		}
		a.Gateways.Register(models.ChannelChat, gateway.RateLimited(chat, gw.Chat.RPS))
	}

	httpChannels := []struct {
		channel models.ChannelType
		cfg     config.HTTPConfig
		build   func(gateway.HTTPConfig) gateway.Gateway
	}{
		{models.ChannelSMS, gw.SMS, func(c gateway.HTTPConfig) gateway.Gateway { return gateway.NewSMSGateway(c) }},
		{models.ChannelPush, gw.Push, func(c gateway.HTTPConfig) gateway.Gateway { return gateway.NewPushGateway(c) }},
		{models.ChannelVoice, gw.Voice, func(c gateway.HTTPConfig) gateway.Gateway { return gateway.NewVoiceGateway(c) }},
	}
	for _, hc := range httpChannels {
		if hc.cfg.Endpoint == "" {
			continue
		}
		g := hc.build(gateway.HTTPConfig{
			Endpoint: hc.cfg.Endpoint,
			APIKey:   hc.cfg.APIKey,
			From:     hc.cfg.From,
			Timeout:  hc.cfg.Timeout,
		})
		a.Gateways.Register(hc.channel, gateway.RateLimited(g, hc.cfg.RPS))
	}

	if gw.Email.Host != "" {
		email := gateway.NewEmailGateway(gateway.SMTPConfig{
			Host:     gw.Email.Host,
			Port:     gw.Email.Port,
			Username: gw.Email.Username,
			Password: gw.Email.Password,
			From:     gw.Email.From,
			Timeout:  gw.Email.Timeout,
		})
		a.Gateways.Register(models.ChannelEmail, gateway.RateLimited(email, gw.Email.RPS))
	}

	if gw.Display.Enabled {
		a.Displays = gateway.NewDisplayHub(a.Logger)
		a.Gateways.Register(models.ChannelDisplay, gateway.RateLimited(a.Displays, gw.Display.RPS))
	}

	a.Logger.WithField("channels", a.Gateways.Channels()).Info("Delivery gateways registered")
	return nil
}

func (a *App) buildSink() error {
	an := a.Config.Analytics
	switch an.Sink {
	case "rabbitmq":
		sink, err := analytics.NewRabbitSink(analytics.RabbitConfig{
			URL:     an.RabbitMQ.URL,
			Workers: an.RabbitMQ.Workers,
		}, a.Logger)
		if err != nil {
			return err
		}
		a.Rabbit = sink
		a.Sink = sink
		a.closers = append(a.closers, sink.Close)
	case "kafka":
		sink, err := analytics.NewKafkaSink(analytics.KafkaConfig{
			Brokers: an.Kafka.Brokers,
			Topic:   an.Kafka.Topic,
		}, a.Logger)
		if err != nil {
			return err
		}
		a.Sink = sink
		a.closers = append(a.closers, sink.Close)
	case "none":
		a.Sink = analytics.NopSink{}
	default:
		a.Sink = analytics.NewDirectSink(a.Store)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
