package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/cookscan/internal/ai"
	cfgpkg "github.com/local/cookscan/internal/config"
	"github.com/local/cookscan/internal/extract"
	"github.com/local/cookscan/internal/filetype"
	"github.com/local/cookscan/internal/imagegen"
	logpkg "github.com/local/cookscan/internal/logger"
	"github.com/local/cookscan/internal/metrics"
	"github.com/local/cookscan/internal/notify"
	"github.com/local/cookscan/internal/pdf"
	"github.com/local/cookscan/internal/storage"
	"github.com/local/cookscan/internal/store"
	"github.com/local/cookscan/internal/web"
)

// docOpener bridges the concrete PDF opener into the engine's interface.
type docOpener struct{ o *pdf.Opener }

func (d docOpener) Open(ctx context.Context, ref, password string) (extract.Document, func(), error) {
	doc, cleanup, err := d.o.Open(ctx, ref, password)
	if err != nil {
		return nil, nil, err
	}
	return doc, cleanup, nil
}

func main() {
	_ = godotenv.Load()
	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	metrics.Init()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer st.Close()

	opener := &pdf.Opener{
		Fetcher: storage.New(),
		Opts: pdf.Options{
			DPI:         cfg.Extraction.RenderDPI,
			JPEGQuality: cfg.Extraction.JPEGQuality,
		},
	}

	primary, secondary := buildClients(cfg.Providers)
	classifier := extract.NewClassifier(primary, secondary,
		modelFor(cfg.Providers, cfg.Providers.PrimaryEngine, true),
		modelFor(cfg.Providers, cfg.Providers.SecondaryEngine, false),
		cfg.Extraction)

	emitter := extract.NewEmitter()
	registry := extract.NewRegistry()

	// Image generation pipeline (optional, requires Redis)
	var (
		worker  *imagegen.Worker
		sweeper *imagegen.Sweeper
		images  extract.ImageEnqueuer
	)
	queue, err := imagegen.NewQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.PollInterval)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, image generation disabled")
	} else {
		defer queue.Close()
		breaker, berr := imagegen.NewBreaker(cfg.Queue.RedisURL, cfg.ImageGen.BreakerBaseBackoff, cfg.ImageGen.BreakerMaxBackoff)
		if berr != nil {
			log.Fatal().Err(berr).Msg("failed to init image breaker")
		}
		defer breaker.Close()
		gen := imagegen.NewHTTPGenerator(cfg.ImageGen.Endpoint, cfg.ImageGen.APIKey, cfg.ImageGen.Model, cfg.ImageGen.RequestTimeout)
		worker = imagegen.NewWorker(queue, gen, breaker, st, cfg.ImageGen)
		worker.Start()
		defer worker.Stop()
		images = worker
		sweeper = imagegen.NewSweeper(st, queue, 200, cfg.ImageGen.SweepConcurrency)

		go func() {
			ticker := time.NewTicker(cfg.ImageGen.SweepInterval)
			defer ticker.Stop()
			for range ticker.C {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if _, err := sweeper.Sweep(ctx); err != nil {
					log.Warn().Err(err).Msg("image recovery sweep failed")
				}
				queue.PublishDepths(ctx)
				cancel()
			}
		}()
	}

	engine := extract.New(extract.Dependencies{
		Store:      st,
		Opener:     docOpener{o: opener},
		Classifier: classifier,
		Emitter:    emitter,
		Registry:   registry,
		Images:     images,
		Notifier:   notify.NewEmail(cfg.SMTP),
		Cfg:        cfg.Extraction,
		Password:   cfg.Storage.FilePassword,
	})
	defer engine.Close()

	if err := engine.RecoverInterrupted(context.Background()); err != nil {
		log.Error().Err(err).Msg("interrupted job recovery failed")
	}

	webDeps := web.Dependencies{
		Store:     st,
		Engine:    engine,
		Emitter:   emitter,
		Detector:  filetype.New(),
		UploadDir: cfg.Storage.UploadDir,
	}
	if sweeper != nil {
		webDeps.Sweeper = sweeper
	}
	api := web.New(webDeps)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.Info().Msgf("HTTP server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info().Msg("shutdown complete")
}

func buildClients(p cfgpkg.ProvidersConfig) (ai.Client, ai.Client) {
	mk := func(engine string) ai.Client {
		if engine == "anthropic" {
			return ai.NewAnthropicClient()
		}
		return ai.NewOpenAIClient()
	}
	return mk(p.PrimaryEngine), mk(p.SecondaryEngine)
}

func modelFor(p cfgpkg.ProvidersConfig, engine string, primary bool) string {
	models := p.OpenAI
	if engine == "anthropic" {
		models = p.Anthropic
	}
	if primary {
		return models.Primary
	}
	return models.Secondary
}
