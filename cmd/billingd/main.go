package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	fiberredis "github.com/gofiber/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/BillFox/app/controllers"
	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/billing"
	"github.com/ManuelReschke/BillFox/internal/pkg/cache"
	"github.com/ManuelReschke/BillFox/internal/pkg/config"
	"github.com/ManuelReschke/BillFox/internal/pkg/database"
	"github.com/ManuelReschke/BillFox/internal/pkg/env"
	"github.com/ManuelReschke/BillFox/internal/pkg/eventbus"
	"github.com/ManuelReschke/BillFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BillFox/internal/pkg/lock"
	"github.com/ManuelReschke/BillFox/internal/pkg/mail"
	"github.com/ManuelReschke/BillFox/internal/pkg/metrics"
	"github.com/ManuelReschke/BillFox/internal/pkg/router"
	"github.com/ManuelReschke/BillFox/internal/pkg/security"
)

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	app, shutdown, err := NewApplication(cfg)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		if err := app.Listen(cfg.ListenAddr()); err != nil {
			log.Errorf("[Server] Listener stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("[Server] Shutting down")
	if err := app.ShutdownWithTimeout(20 * time.Second); err != nil {
		log.Errorf("[Server] Shutdown: %v", err)
	}
	shutdown()
}

// NewApplication wires storage, the billing engine, background jobs and the
// HTTP surface. The returned func stops the background parts.
func NewApplication(cfg *config.Config) (*fiber.App, func(), error) {
	db, err := database.SetupDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	redisClient := cache.SetupCache(cfg)
	redisUp := pingRedis(redisClient)

	box, err := security.NewBoxFromHex(cfg.SecretKey)
	if err != nil {
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.NewBilling(reg)

	var locker lock.Locker = lock.NewInMemoryLocker()
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedisLocker(redisClient)
	}

	queue := jobqueue.NewQueue(redisClient, cfg.JobQueueWorkers)
	manager := jobqueue.NewManager(queue)

	var closers []func()
	audit := billing.MultiAuditSink{billing.LogAuditSink{}}
	if cfg.AMQPURL != "" {
		publisher, err := eventbus.NewRabbitMQPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			// audit events still reach the log
			log.Errorf("[Audit] RabbitMQ unavailable, publishing disabled: %v", err)
		} else {
			audit = append(audit, &billing.PublisherAuditSink{Publisher: publisher})
			closers = append(closers, func() { _ = publisher.Close() })
		}
	}

	repos := repository.NewFactory(db).GetRepositories()

	var notifier billing.Notifier
	if cfg.SMTPHost != "" {
		renderer, err := mail.NewRenderer()
		if err != nil {
			return nil, nil, err
		}
		notifier = billing.NewMailNotifier(repos.TenantSettings, renderer, mail.NewSMTPMailer(cfg))
	} else {
		log.Warn("[Mail] SMTP_HOST not set, checkout emails are disabled")
	}

	svc := billing.NewService(billing.Dependencies{
		Repos:            repos,
		Locker:           locker,
		Queue:            queue,
		Audit:            audit,
		Metrics:          billingMetrics,
		Notifier:         notifier,
		Box:              box,
		PublicBaseURL:    cfg.PublicBaseURL,
		ProcessorTimeout: cfg.ProcessorTimeout,
		ProcessorAPIURL:  cfg.ProcessorAPIURL,
		RetryPolicy: billing.RetryPolicy{
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitter,
		},
	})
	svc.Retry.Register(queue)
	svc.Processor.Register(queue)

	manager.AddTask(jobqueue.PeriodicTask{
		Name:     "reprocess_pending_events",
		Interval: cfg.ReprocessInterval,
		Fn: func(ctx context.Context) error {
			_, err := svc.Processor.EnqueuePending(ctx, queue, cfg.ReprocessMinAge, 500)
			return err
		},
	})
	manager.Start()

	controllers.InitializeBillingController(controllers.NewBillingController(svc, repos, box))

	opts := router.Options{
		APIToken:        cfg.APIToken,
		RateLimitMax:    cfg.RateLimitMax,
		Gatherer:        reg,
		MonitorUser:     cfg.MonitorUser,
		MonitorPassword: cfg.MonitorPassword,
	}
	if redisUp {
		opts.LimiterStorage = fiberredis.New(fiberredis.Config{
			Host:     cfg.CacheHost,
			Port:     cfg.CachePort,
			Password: cfg.CachePassword,
			Database: cfg.CacheDB,
		})
	}
	if cfg.APIToken == "" {
		log.Warn("[API] API_TOKEN not set, management API is disabled")
	}

	app := router.NewApp(opts)

	shutdown := func() {
		manager.Stop()
		for _, c := range closers {
			c()
		}
		if err := redisClient.Close(); err != nil {
			log.Warnf("[Cache] Close: %v", err)
		}
	}
	return app, shutdown, nil
}

func pingRedis(client *redis.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}
