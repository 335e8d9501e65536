// Package app assembles the service from a Config: KV backend, ingestion
// pipeline, notifier and HTTP router.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/PratikDhanave/kanariya/internal/config"
	"github.com/PratikDhanave/kanariya/internal/guard"
	"github.com/PratikDhanave/kanariya/internal/handlers"
	"github.com/PratikDhanave/kanariya/internal/httpserver"
	"github.com/PratikDhanave/kanariya/internal/identity"
	"github.com/PratikDhanave/kanariya/internal/notify"
	"github.com/PratikDhanave/kanariya/internal/pipeline"
	"github.com/PratikDhanave/kanariya/internal/signing"
	"github.com/PratikDhanave/kanariya/internal/store"
)

// Options override process-wide defaults, mainly for tests.
type Options struct {
	Now        func() time.Time
	HTTPClient *http.Client
	Meter      metric.Meter
}

// App is a fully wired service.
type App struct {
	Router     *gin.Engine
	Ingestor   *pipeline.Ingestor
	Events     *store.EventStore
	Dispatcher *notify.Dispatcher
	Backend    store.Backend
}

// OpenBackend connects the KV backend selected by cfg.StoreBackend.
func OpenBackend(ctx context.Context, cfg config.Config) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		kv := store.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := kv.Ping(ctx); err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return kv, nil
	case config.BackendPostgres:
		kv, err := store.NewPostgresKV(cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		// Ensure the kv table exists so a fresh database is enough.
		if err := kv.EnsureSchema(ctx); err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return kv, nil
	default:
		return store.NewMemoryKV(nil), nil
	}
}

// New wires every component on top of backend.
func New(cfg config.Config, backend store.Backend, logger *zap.Logger, o Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: notify.DefaultTimeout}
	}
	channels := notify.BuildChannels(cfg.WebhookURL, notify.EmailConfig{
		APIURL:        cfg.MailAPIURL,
		APIKey:        cfg.MailAPIKey,
		From:          cfg.MailFrom,
		FromName:      cfg.MailFromName,
		To:            cfg.MailTo,
		SubjectPrefix: cfg.MailSubjectPrefix,
	}, client)

	dispatcher, err := notify.NewDispatcher(logger, channels, notify.DispatcherOptions{
		RatePerSecond: cfg.NotifyRatePerSecond,
		Burst:         cfg.NotifyBurst,
		MaxInFlight:   cfg.NotifyMaxInFlight,
		Meter:         o.Meter,
	})
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}

	var verifier pipeline.Verifier
	if cfg.RequireSignature {
		v := signing.NewVerifier(signing.Options{
			Strategies: signing.KeyStrategies(cfg.MasterSecret, cfg.SigningSecret),
			Window:     cfg.SignatureWindow,
			Replay:     guard.NewReplayGuard(backend),
			Now:        o.Now,
		})
		if !v.Configured() {
			logger.Error("REQUIRE_SIGNATURE is set but no MASTER_SECRET or SIGNING_SECRET; every hit will be dropped")
		}
		verifier = v
	}
	if cfg.IPHMACKey == "" {
		logger.Warn("IP_HMAC_KEY not set; rate limiting and dedupe are disabled")
	}

	events := store.NewEventStore(backend, cfg.EventTTL)
	ingestor, err := pipeline.New(pipeline.Settings{
		RequireSignature: cfg.RequireSignature,
		EventTTL:         cfg.EventTTL,
		DedupeTTL:        cfg.DedupeTTL,
		RateWindow:       cfg.RateLimitWindow,
		RateMax:          cfg.RateLimitMax,
	}, pipeline.Deps{
		Verifier: verifier,
		Limiter:  guard.NewRateLimiter(backend, o.Now),
		Dedupe:   guard.NewDedupeGate(backend),
		Events:   events,
		Hasher:   identity.NewHasher(cfg.IPHMACKey),
		Notifier: dispatcher,
		Logger:   logger,
		Meter:    o.Meter,
		Now:      o.Now,
	})
	if err != nil {
		return nil, err
	}

	router := httpserver.NewRouter(httpserver.Deps{
		Ingestor: ingestor,
		Events:   events,
		Store:    backend,
		Logger:   logger,
		Canary: handlers.CanaryOptions{
			TrustRemoteAddr: cfg.TrustRemoteAddr,
			CountryHeader:   cfg.EdgeCountryHeader,
			ASNHeader:       cfg.EdgeASNHeader,
			AllowOrigin:     cfg.CORSAllowOrigin,
		},
		Admin: handlers.AdminOptions{
			AdminKey:          cfg.AdminKey,
			AllowPublicSign:   cfg.AllowPublicSign,
			AllowPublicExport: cfg.AllowPublicExport,
			SignMaster:        cfg.SignMaster(),
			PublicBaseURL:     cfg.PublicBaseURL,
			ExportMaxItems:    cfg.ExportMaxItems,
			Now:               o.Now,
		},
	})

	logger.Info("service wired",
		zap.String("store", cfg.StoreBackend),
		zap.Bool("require_signature", cfg.RequireSignature),
		zap.Strings("notify_channels", dispatcher.Channels()),
	)

	return &App{
		Router:     router,
		Ingestor:   ingestor,
		Events:     events,
		Dispatcher: dispatcher,
		Backend:    backend,
	}, nil
}

// Purger is implemented by backends that need explicit expiry sweeps.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// RunPurger sweeps expired rows every interval until ctx ends. Backends
// without native TTL eviction (postgres) need this to bound table size.
func RunPurger(ctx context.Context, p Purger, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purge expired entries failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("purged expired entries", zap.Int64("rows", n))
			}
		}
	}
}
