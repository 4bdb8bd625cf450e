package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/MicahParks/keyfunc"
	"github.com/caarlos0/env/v11"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eventledger/auth"
	"eventledger/eventstore"
	"eventledger/feed"
	"eventledger/policy"
	"eventledger/projection"
	"eventledger/query"
	"eventledger/ratelimit"
	"eventledger/schema"
)

type settings struct {
	Debug      bool   `env:"DEBUG"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	ConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING"`
	EventsTable      string `env:"EVENTS_TABLE" envDefault:"events"`
	SchemasTable     string `env:"SCHEMAS_TABLE" envDefault:"schemas"`

	Store projection.Config

	FeedProvider  string `env:"FEED_PROVIDER" envDefault:"queue"`
	FeedQueue     string `env:"FEED_QUEUE" envDefault:"events-feed"`
	NATSURL       string `env:"NATS_URL"`
	NATSNamespace string `env:"NATS_NAMESPACE" envDefault:"eventledger"`

	RedisAddress  string        `env:"REDIS_ADDRESS"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	CacheTTL      time.Duration `env:"READ_MODEL_CACHE_TTL" envDefault:"2m"`

	RateLimit       int           `env:"RATE_LIMIT" envDefault:"10"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	AuthTestMode  bool   `env:"AUTH_TEST_MODE"`
	TestJWTSecret string `env:"TEST_JWT_SECRET"`
	JWTAudience   string `env:"AUTH_AUDIENCE"`
	AuthDomain    string `env:"AUTH_DOMAIN"`
}

func main() {
	var cfg settings
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.ConnectionString == "" {
		log.Fatal("missing storage config")
	}

	ctx := context.Background()

	tableSvc, err := aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		log.Fatalf("table service: %v", err)
	}

	var rc *redis.Client
	if cfg.RedisAddress != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddress, Password: cfg.RedisPassword})
	}

	registry := schema.NewRegistry(
		schema.NewTableCatalog(tableSvc, cfg.SchemasTable),
		schema.NewCache(rc, 0),
	)

	enforcer := policy.New(policy.Config{
		AppendOnlyStores:  []string{cfg.EventsTable},
		DecoupledServices: [2]string{"api", "updater"},
		RateLimitedEndpoints: []policy.EndpointRule{
			{Prefix: "/api/events", MinLimit: 1},
			{Prefix: "/api/read-models", MinLimit: 1},
		},
	})
	limiter := ratelimit.New(cfg.RateLimit, cfg.RateLimitWindow)

	publisher, err := feed.NewPublisher(feed.Config{
		Provider:         cfg.FeedProvider,
		ConnectionString: cfg.ConnectionString,
		QueueName:        cfg.FeedQueue,
		NATSURL:          cfg.NATSURL,
		Namespace:        cfg.NATSNamespace,
	})
	if err != nil {
		log.Fatalf("feed: %v", err)
	}
	defer publisher.Close()

	store := eventstore.New(
		eventstore.NewEventTable(tableSvc, cfg.EventsTable),
		registry, enforcer, limiter, publisher,
		eventstore.Config{StoreName: cfg.EventsTable, ValidateSchemas: true},
	)

	docs, err := projection.NewDocumentStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("document store: %v", err)
	}
	if rc != nil {
		docs = projection.NewCachedStore(docs, rc, cfg.CacheTTL)
	}
	reads := query.NewController(docs, store, limiter, projection.OrderTransformer{})

	var authenticator *auth.Auth
	if cfg.AuthTestMode {
		if cfg.TestJWTSecret == "" {
			log.Fatal("TEST_JWT_SECRET must be set when AUTH_TEST_MODE is on")
		}
		authenticator = auth.NewTest([]byte(cfg.TestJWTSecret))
	} else {
		if cfg.JWTAudience == "" || cfg.AuthDomain == "" {
			log.Fatal("missing auth config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		authenticator = auth.New(jwks, cfg.JWTAudience, "https://"+cfg.AuthDomain+"/")
	}

	// every guarded endpoint must carry a rate limit; recorded as a
	// violation if a deploy ever drops it
	for _, path := range []string{"/api/events", "/api/read-models"} {
		if err := enforcer.ValidateAPIEndpoint(path, cfg.RateLimit); err != nil {
			log.Fatalf("endpoint policy: %v", err)
		}
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	Register(e, deps{
		store:    store,
		registry: registry,
		reads:    reads,
		enforcer: enforcer,
		auth:     authenticator,
	})

	e.Logger.Fatal(e.Start(cfg.ListenAddr))
}
