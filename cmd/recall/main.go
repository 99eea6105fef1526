package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	authmongo "goa.design/recall/features/auth/mongo"
	bloblocal "goa.design/recall/features/blob/local"
	blobs3 "goa.design/recall/features/blob/s3"
	dialoguemongo "goa.design/recall/features/dialogue/mongo"
	httpapi "goa.design/recall/features/gateway/http"
	knowledgemongo "goa.design/recall/features/knowledge/mongo"
	"goa.design/recall/features/model/anthropic"
	"goa.design/recall/features/model/middleware"
	"goa.design/recall/features/model/openai"
	usagemongo "goa.design/recall/features/usage/mongo"
	usageredis "goa.design/recall/features/usage/redis"
	vectorinmem "goa.design/recall/features/vector/inmem"
	vectormongo "goa.design/recall/features/vector/mongo"
	"goa.design/recall/runtime/auth"
	"goa.design/recall/runtime/blob"
	"goa.design/recall/runtime/dialogue"
	"goa.design/recall/runtime/discover"
	"goa.design/recall/runtime/extract"
	"goa.design/recall/runtime/gateway"
	"goa.design/recall/runtime/ingest"
	"goa.design/recall/runtime/model"
	"goa.design/recall/runtime/recall"
	"goa.design/recall/runtime/telemetry"
	"goa.design/recall/runtime/usage"
	"goa.design/recall/runtime/vector"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to optional YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	// Backing stores.
	mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatalf(ctx, err, "connect mongo")
	}
	defer func() {
		_ = mongoClient.Disconnect(context.Background())
	}()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer func() {
		_ = rdb.Close()
	}()

	keyStore, err := authmongo.New(authmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "build key store")
	}
	knowledgeStore, err := knowledgemongo.New(knowledgemongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "build knowledge store")
	}
	dialogueStore, err := dialoguemongo.New(dialoguemongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "build dialogue store")
	}
	usageLog, err := usagemongo.New(usagemongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "build usage log")
	}
	counters, err := usageredis.New(usageredis.Options{Client: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "build usage counters")
	}

	pingers := []health.Pinger{keyStore, knowledgeStore, dialogueStore, usageLog, counters}

	var index vector.Index
	switch cfg.VectorBackend {
	case "mongo":
		mindex, err := vectormongo.New(vectormongo.Options{
			Client:    mongoClient,
			Database:  cfg.Mongo.Database,
			Dimension: cfg.Embedding.Dimension,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build vector index")
		}
		pingers = append(pingers, mindex)
		index = mindex
	default:
		iindex := vectorinmem.New(vectorinmem.Options{
			Dimension: cfg.Embedding.Dimension,
			Lookup:    knowledgeStore,
		})
		pingers = append(pingers, iindex)
		index = iindex
	}

	var blobs blob.Store
	switch {
	case cfg.Blob.S3Bucket != "":
		blobs, err = blobs3.NewFromConfig(ctx, cfg.Blob.S3Bucket, cfg.Blob.S3Prefix)
		if err != nil {
			log.Fatalf(ctx, err, "build s3 blob store")
		}
	case cfg.Blob.LocalBasePath != "":
		blobs, err = bloblocal.New(cfg.Blob.LocalBasePath)
		if err != nil {
			log.Fatalf(ctx, err, "build local blob store")
		}
	}

	// Upstream model clients.
	oai, err := openai.NewFromAPIKey(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.Embedding.Model)
	if err != nil {
		log.Fatalf(ctx, err, "build openai client")
	}
	var client model.Client = oai
	ownedBy := "openai"
	if cfg.LLM.AnthropicAPIKey != "" {
		ac, err := anthropic.NewFromAPIKey(cfg.LLM.AnthropicAPIKey, cfg.LLM.Model)
		if err != nil {
			log.Fatalf(ctx, err, "build anthropic client")
		}
		client = ac
		ownedBy = "anthropic"
	}
	var embedder model.Embedder = oai
	if cfg.Embedding.BaseURL != "" && cfg.Embedding.BaseURL != cfg.LLM.BaseURL {
		eoai, err := openai.NewFromAPIKey(cfg.Embedding.APIKey, cfg.Embedding.BaseURL, "", cfg.Embedding.Model)
		if err != nil {
			log.Fatalf(ctx, err, "build embedding client")
		}
		embedder = eoai
	}

	if tpm := cfg.RateLimit.UpstreamTPM; tpm > 0 {
		var tpmMap *rmap.Map
		if m, err := rmap.Join(ctx, "recall-upstream-tpm", rdb); err == nil {
			tpmMap = m
		} else {
			log.Errorf(ctx, err, "upstream limiter running process-local")
		}
		lim := middleware.NewAdaptiveRateLimiter(ctx, tpmMap, "upstream", tpm, 4*tpm)
		client = lim.Middleware()(client)
		embedder = lim.EmbedderMiddleware()(embedder)
	}

	// Runtime services.
	validator, err := auth.NewValidator(auth.Options{Store: keyStore})
	if err != nil {
		log.Fatalf(ctx, err, "build validator")
	}
	engine, err := usage.NewEngine(usage.Options{
		Counters:    counters,
		Logs:        usageLog,
		Pricing:     usage.NewPricing(nil),
		Logger:      logger,
		MinuteLimit: cfg.RateLimit.Minute,
		HourLimit:   cfg.RateLimit.Hour,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build usage engine")
	}
	builder, err := recall.NewBuilder(recall.BuilderOptions{
		Embedder: embedder,
		Index:    index,
		Store:    knowledgeStore,
		Budget:   func(string) int { return cfg.TokenBudgetDefault },
		Logger:   logger,
		Tracer:   tracer,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build context builder")
	}
	extractor, err := extract.New(extract.Options{Client: client, Model: cfg.LLM.Model, Logger: logger})
	if err != nil {
		log.Fatalf(ctx, err, "build extractor")
	}
	discoverer, err := discover.New(discover.Options{
		Store:    knowledgeStore,
		Embedder: embedder,
		Index:    index,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build discoverer")
	}
	dialogueSvc, err := dialogue.New(dialogue.Options{
		Store:          dialogueStore,
		Client:         client,
		Model:          cfg.LLM.Model,
		TurnThreshold:  cfg.Summarize.TurnCount,
		TokenThreshold: cfg.Summarize.TokenThreshold,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build dialogue service")
	}
	pipeline, err := ingest.New(ingest.Options{
		Store:      knowledgeStore,
		Index:      index,
		Embedder:   embedder,
		EmbedModel: cfg.Embedding.Model,
		Extractor:  extractor,
		Discoverer: discoverer,
		Dialogue:   dialogueSvc,
		Blobs:      blobs,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build ingestion pipeline")
	}
	svc, err := gateway.NewService(gateway.ServiceOptions{
		Validator:    validator,
		Usage:        engine,
		Builder:      builder,
		Client:       client,
		Embedder:     embedder,
		Ingestor:     pipeline,
		Dialogue:     dialogueSvc,
		DefaultModel: cfg.LLM.Model,
		EmbedModel:   cfg.Embedding.Model,
		Models: []gateway.ModelInfo{
			{ID: cfg.LLM.Model, OwnedBy: ownedBy, MaxTokens: cfg.LLM.MaxTokens, KnowledgeAware: true},
			{ID: cfg.Embedding.Model, OwnedBy: "openai", MaxTokens: cfg.Embedding.MaxTokens},
		},
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build gateway")
	}

	if cfg.BootstrapAPIKey != "" {
		if err := bootstrapKey(ctx, keyStore, cfg.BootstrapAPIKey); err != nil {
			log.Fatalf(ctx, err, "bootstrap api key")
		}
	}

	server, err := httpapi.New(httpapi.Options{Gateway: svc, Pingers: pingers, Logger: logger})
	if err != nil {
		log.Fatalf(ctx, err, "build http server")
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		errc <- errors.New(sig.String())
	}()
	go func() {
		log.Printf(ctx, "listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "http shutdown")
	}
	// Drain post-response ingestion before closing the stores.
	svc.Close()
	pipeline.Close()
	log.Printf(ctx, "exited")
}

// bootstrapKey provisions one active key from a tenantID:secret pair so
// development setups can call the API without a provisioning flow.
func bootstrapKey(ctx context.Context, store *authmongo.Store, pair string) error {
	tenantID, secret, ok := strings.Cut(pair, ":")
	if !ok || tenantID == "" || secret == "" {
		return errors.New("bootstrap key must be tenantID:secret")
	}
	return store.Provision(ctx, &auth.Key{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Hash:      auth.HashSecret(secret),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
}
