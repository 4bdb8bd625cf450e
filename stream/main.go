package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/caarlos0/env/v11"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eventledger/auth"
	"eventledger/domain"
	"eventledger/projection"
)

type settings struct {
	Debug      bool   `env:"DEBUG"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":9000"`

	Store projection.Config

	RedisAddress   string        `env:"REDIS_ADDRESS"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	UpdatesChannel string        `env:"READ_MODEL_UPDATES_CHANNEL" envDefault:"readmodel-updates"`
	CacheTTL       time.Duration `env:"READ_MODEL_CACHE_TTL" envDefault:"2m"`

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
	if cfg.RedisAddress == "" {
		log.Fatal("missing redis config")
	}

	ctx := context.Background()

	docs, err := projection.NewDocumentStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("document store: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress, Password: cfg.RedisPassword})
	docs = projection.NewCachedStore(docs, rc, cfg.CacheTTL)

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

	b := newBroker()
	go relayUpdates(ctx, rc, cfg.UpdatesChannel, b)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	Register(e, docs, authenticator, b)

	e.Logger.Fatal(e.Start(cfg.ListenAddr))
}

// relayUpdates turns updater notifications into broker wakeups.
func relayUpdates(ctx context.Context, rc *redis.Client, channel string, b *broker) {
	pubsub := rc.Subscribe(ctx, channel)
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var ev domain.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Warnf("dropping unreadable update notification: %v", err)
			continue
		}
		b.notify(ev.AggregateID)
	}
}
