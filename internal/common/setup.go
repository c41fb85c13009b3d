package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"creditgen-go/internal/admission"
	"creditgen-go/internal/artifacts"
	"creditgen-go/internal/config"
	"creditgen-go/internal/database"
	"creditgen-go/internal/events"
	"creditgen-go/internal/ledger"
	"creditgen-go/internal/models"
	"creditgen-go/internal/ordering"
	"creditgen-go/internal/pipeline"
	"creditgen-go/internal/provider"
	"creditgen-go/internal/reconciler"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

const webhookPath = "/v1/webhooks/provider"

type Services struct {
	DbService  *database.Service
	Ledger     *ledger.Service
	Pipeline   *pipeline.Pipeline
	Reconciler *reconciler.Reconciler
	Sweeper    *reconciler.Sweeper
	Ordering   *ordering.Service
	Publisher  events.Publisher

	limiter *admission.Controller
	redis   *admission.GoRedisEvaler
	gemini  *provider.GeminiAdapter
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	kinds, err := config.LoadKinds(cfg.KindsFile)
	if err != nil {
		return nil, err
	}
	registry := pipeline.NewRegistry(kinds)

	dbService, err := database.NewService(ctx, cfg.Database, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	services := &Services{DbService: dbService}

	publisher, err := events.NewPublisher(cfg.Events)
	if err != nil {
		services.Close()
		return nil, err
	}
	services.Publisher = publisher

	rehoster, err := artifacts.NewRehoster(cfg.Artifacts, nil)
	if err != nil {
		services.Close()
		return nil, err
	}

	var admitter admission.Admitter
	if cfg.Admission.RedisAddr != "" {
		zap.L().Info("Using shared Redis admission limiter", zap.String("addr", cfg.Admission.RedisAddr))
		services.redis = admission.NewGoRedisEvaler(cfg.Admission.RedisAddr)
		admitter = admission.NewRedisController(services.redis, cfg.Admission.RedisPrefix,
			cfg.Admission.Window, cfg.Admission.MaxRequests, cfg.Admission.Cooldown)
	} else {
		services.limiter = admission.NewController(admission.ControllerConfig{
			Window:        cfg.Admission.Window,
			MaxRequests:   cfg.Admission.MaxRequests,
			Cooldown:      cfg.Admission.Cooldown,
			IdleTTL:       cfg.Admission.IdleTTL,
			SweepInterval: cfg.Admission.SweepInterval,
		})
		admitter = services.limiter
	}

	services.Ledger = ledger.NewService(dbService, cfg.Ledger)
	lifecycle := pipeline.NewLifecycle(dbService, registry, publisher, cfg.Reconciler.MaxRetries, cfg.Reconciler.RetryDelay)
	services.Pipeline = pipeline.NewPipeline(dbService, admitter, services.Ledger, lifecycle, rehoster, publisher, cfg.Provider.Timeout)

	if err := services.registerKinds(ctx, cfg, registry, rehoster); err != nil {
		services.Close()
		return nil, err
	}

	services.Reconciler = reconciler.NewReconciler(reconciler.Config{
		DbService:       dbService,
		Lifecycle:       lifecycle,
		Artifacts:       rehoster,
		RefundOnFailure: cfg.Reconciler.RefundOnFailure,
		CacheTTL:        cfg.Reconciler.CacheTTL,
		CleanupInterval: cfg.Reconciler.CleanupInterval,
	})
	services.Sweeper = reconciler.NewSweeper(reconciler.SweeperConfig{
		DbService: dbService,
		Lifecycle: lifecycle,
		Timeout:   cfg.Reconciler.StaleJobTimeout,
		Interval:  cfg.Reconciler.SweepInterval,
		Refund:    cfg.Reconciler.StaleJobRefund,
	})
	services.Ordering = ordering.NewService(dbService, cfg.Ordering)

	return services, nil
}

// registerKinds binds every catalog entry to its provider adapter.
func (s *Services) registerKinds(ctx context.Context, cfg *models.Config, registry *pipeline.Registry, rehoster *artifacts.Rehoster) error {
	var queue *provider.QueueClient
	queueClient := func() (*provider.QueueClient, error) {
		if queue != nil {
			return queue, nil
		}
		if cfg.Provider.APIKey == "" {
			zap.L().Warn("PROVIDER_API_KEY is not set, queue submissions will be rejected by the provider")
		}
		var err error
		queue, err = provider.NewQueueClient(provider.QueueClientConfig{
			BaseURL:    cfg.Provider.BaseURL,
			APIKey:     cfg.Provider.APIKey,
			WebhookURL: cfg.HTTP.PublicBaseURL + webhookPath,
			Timeout:    cfg.Provider.Timeout,
		})
		return queue, err
	}

	for _, spec := range registry.Kinds() {
		rehoster.SetBucket(spec.Kind, spec.Bucket)

		if spec.Provider == config.ProviderGemini {
			if spec.Kind != models.KindImage {
				return fmt.Errorf("kind %q: provider %s only generates images", spec.Kind, spec.Provider)
			}
			if s.gemini == nil {
				adapter, err := provider.NewGeminiAdapter(ctx, cfg.Provider.GeminiAPIKey, cfg.Provider.GeminiModel)
				if err != nil {
					return err
				}
				s.gemini = adapter
			}
			pipeline.Register(s.Pipeline, pipeline.ImageDescriptor(spec, s.gemini))
			zap.L().Info("Registered kind", zap.String("kind", string(spec.Kind)), zap.String("provider", spec.Provider), zap.Int64("cost", spec.Cost))
			continue
		}

		client, err := queueClient()
		if err != nil {
			return err
		}
		switch spec.Kind {
		case models.KindImage:
			pipeline.Register(s.Pipeline, pipeline.ImageDescriptor(spec, provider.NewQueueAdapter(client, spec.Model, provider.ImagePayload)))
		case models.KindVideo:
			pipeline.Register(s.Pipeline, pipeline.VideoDescriptor(spec, provider.NewQueueAdapter(client, spec.Model, provider.VideoPayload)))
		case models.KindImageEdit:
			pipeline.Register(s.Pipeline, pipeline.EditDescriptor(spec, provider.NewQueueAdapter(client, spec.Model, provider.EditPayload)))
		}
		zap.L().Info("Registered kind",
			zap.String("kind", string(spec.Kind)),
			zap.String("provider", spec.Provider),
			zap.String("model", spec.Model),
			zap.Int64("cost", spec.Cost))
	}
	return nil
}

// InitializeDatabaseOnly initializes just the database service without providers
// Useful for operator tools like querying balances
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	return database.NewService(ctx, cfg.Database, cfg.Namespace)
}

// Start launches the background loops
func (s *Services) Start(ctx context.Context) {
	if s.limiter != nil {
		s.limiter.Start(ctx)
	}
	s.Reconciler.Start(ctx)
	s.Sweeper.Start(ctx)
}

func (s *Services) Close() {
	if s.Sweeper != nil {
		s.Sweeper.Stop()
	}
	if s.Reconciler != nil {
		s.Reconciler.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			zap.L().Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if s.gemini != nil {
		s.gemini.Close()
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.DbService != nil {
		s.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
