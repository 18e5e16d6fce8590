package app

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ShariarAlamDipto/grademax-sub001/config"
	"github.com/ShariarAlamDipto/grademax-sub001/database"
	"github.com/ShariarAlamDipto/grademax-sub001/services"
	"github.com/ShariarAlamDipto/grademax-sub001/services/cron"
	"github.com/ShariarAlamDipto/grademax-sub001/services/digitalocean"
	"github.com/ShariarAlamDipto/grademax-sub001/utils/cache"
)

// Pipeline bundles the wired services for one running instance
type Pipeline struct {
	Store     *database.GORMStore
	Cache     *cache.RedisCache
	Spaces    *digitalocean.SpacesClient
	Ingest    *services.IngestService
	Assembler *services.WorksheetAssembler
	Cron      *cron.CronManager
}

// Setup loads configuration and wires every pipeline service. The
// returned Pipeline owns the database and cache connections; callers
// must Close it.
func Setup() (*Pipeline, error) {
	if err := config.LoadENV(); err != nil {
		return nil, err
	}

	env, err := config.Get()
	if err != nil {
		return nil, err
	}

	store, err := database.StartGORM()
	if err != nil {
		print("Check whether the Postgres is running or not\n")
		return nil, err
	}
	if err := store.Init(); err != nil {
		store.Close()
		return nil, err
	}

	var redisCache *cache.RedisCache
	if env.REDIS_URL != "" {
		redisCache, err = cache.NewRedisCache(env.REDIS_URL)
		if err != nil {
			log.Printf("App: redis unavailable, continuing without cache: %v", err)
			redisCache = nil
		}
	}

	spaces, err := digitalocean.NewSpacesClient(digitalocean.SpacesConfig{
		AccessKey: env.DO_SPACES_ACCESS_KEY,
		SecretKey: env.DO_SPACES_SECRET_KEY,
		Bucket:    env.DO_SPACES_BUCKET,
		Region:    env.DO_SPACES_REGION,
		Endpoint:  env.DO_SPACES_ENDPOINT,
		CDNURL:    env.DO_SPACES_CDN_URL,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	profiles, err := services.LoadSubjectProfiles(env.SUBJECT_PROFILE_PATH)
	if err != nil {
		store.Close()
		return nil, err
	}

	var inference *digitalocean.InferenceClient
	if env.DO_INFERENCE_API_KEY != "" {
		inference = digitalocean.NewInferenceClient(digitalocean.InferenceConfig{
			APIKey:  env.DO_INFERENCE_API_KEY,
			Model:   env.DO_INFERENCE_MODEL,
			Timeout: env.CLASSIFY_TIMEOUT,
		})
	} else {
		log.Println("App: no inference API key, classification runs on the deterministic matcher only")
	}

	classifier := services.NewTopicClassifier(profiles, services.ClassifierConfig{
		Inference:       inference,
		Limiter:         digitalocean.NewRateLimiter(digitalocean.DefaultRateLimiterConfig()),
		AcceptThreshold: env.ACCEPT_CONFIDENCE,
		BatchSize:       env.CLASSIFY_BATCH_SIZE,
		RateDelay:       env.CLASSIFY_RATE_DELAY,
		Timeout:         env.CLASSIFY_TIMEOUT,
	})

	assembler := services.NewWorksheetAssembler(services.AssemblerConfig{
		DB:       store.DB(),
		Spaces:   spaces,
		Cache:    redisCache,
		TTL:      env.WORKSHEET_TTL,
		CacheTTL: env.WORKSHEET_CACHE_TTL,
		MaxCount: env.WORKSHEET_MAX_COUNT,
	})

	ingest := services.NewIngestService(store.DB(), spaces, redisCache, profiles, classifier)

	p := &Pipeline{
		Store:     store,
		Cache:     redisCache,
		Spaces:    spaces,
		Ingest:    ingest,
		Assembler: assembler,
	}

	if os.Getenv("CRON_ENABLED") != "false" { // Default to enabled
		p.Cron = cron.NewCronManager(store.DB(), assembler, ingest)
		if err := p.Cron.Start(); err != nil {
			log.Printf("App: failed to start cron jobs: %v", err)
			p.Cron = nil
		}
	}

	return p, nil
}

// Close stops the scheduler and releases connections
func (p *Pipeline) Close() {
	if p.Cron != nil {
		p.Cron.Stop()
	}
	if p.Cache != nil {
		p.Cache.Close()
	}
	p.Store.Close()
}

// SetupAndRun wires the pipeline and blocks until SIGINT/SIGTERM,
// periodically reporting database health
func SetupAndRun() error {
	p, err := Setup()
	if err != nil {
		return err
	}
	defer p.Close()

	log.Println("App: pipeline ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case sig := <-stop:
			log.Printf("App: received %s, shutting down", sig)
			return nil
		case <-ticker.C:
			if err := p.Store.HealthCheck(); err != nil {
				log.Printf("App: database health check failed: %v", err)
			}
		}
	}
}
