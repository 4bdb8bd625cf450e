package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eventledger/feed"
	"eventledger/projection"
)

type settings struct {
	Debug bool `env:"DEBUG"`

	Store projection.Config

	FeedProvider     string `env:"FEED_PROVIDER" envDefault:"queue"`
	ConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING"`
	FeedQueue        string `env:"FEED_QUEUE" envDefault:"events-feed"`
	NATSURL          string `env:"NATS_URL"`
	NATSNamespace    string `env:"NATS_NAMESPACE" envDefault:"eventledger"`

	RedisAddress   string        `env:"REDIS_ADDRESS"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	UpdatesChannel string        `env:"READ_MODEL_UPDATES_CHANNEL" envDefault:"readmodel-updates"`
	CacheTTL       time.Duration `env:"READ_MODEL_CACHE_TTL" envDefault:"2m"`

	Workers      int           `env:"UPDATER_WORKERS" envDefault:"8"`
	Buffer       int           `env:"UPDATER_BUFFER" envDefault:"256"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
}

func main() {
	log.Info("Read model updater starting")

	var cfg settings
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, err := projection.NewDocumentStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("document store: %v", err)
	}

	var rc *redis.Client
	if cfg.RedisAddress != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddress, Password: cfg.RedisPassword})
		docs = projection.NewCachedStore(docs, rc, cfg.CacheTTL)
	}

	handler := projection.NewHandler(docs, projection.OrderTransformer{})
	proc := &processor{apply: handler, rc: rc, channel: cfg.UpdatesChannel}

	switch cfg.FeedProvider {
	case feed.ProviderNATS:
		runBus(ctx, cfg, proc)
	case feed.ProviderQueue:
		runQueue(ctx, cfg, proc)
	default:
		log.Fatalf("unsupported feed provider %q", cfg.FeedProvider)
	}
}

func runBus(ctx context.Context, cfg settings, proc *processor) {
	sub, err := feed.NewNATSSubscriber(cfg.NATSURL, cfg.NATSNamespace)
	if err != nil {
		log.Fatalf("nats: %v", err)
	}
	defer sub.Close()

	if err := sub.Subscribe(proc.process); err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	<-ctx.Done()
}

func runQueue(ctx context.Context, cfg settings, proc *processor) {
	consumer, err := feed.NewQueueConsumer(cfg.ConnectionString, cfg.FeedQueue)
	if err != nil {
		log.Fatalf("queue consumer: %v", err)
	}

	workers := newPool(cfg.Workers, cfg.Buffer, func(j job) {
		if err := proc.process(ctx, j.msg.Event); err != nil {
			// leave the message unsettled; the queue redelivers it after
			// the visibility timeout
			log.WithFields(log.Fields{
				"aggregate": j.msg.Event.AggregateID,
				"version":   j.msg.Event.AggregateVersion,
			}).Errorf("apply failed, message left for redelivery: %v", err)
			return
		}
		if err := consumer.Delete(ctx, j.msg); err != nil {
			log.Errorf("settle message %s: %v", j.msg.MessageID, err)
		}
	})
	defer workers.close()

	for {
		select {
		case <-ctx.Done():
			log.Info("Read model updater stopping")
			return
		default:
		}

		msg, err := consumer.Dequeue(ctx)
		if err != nil {
			if msg != nil {
				// the payload does not parse and never will; settle it so
				// the queue does not redeliver poison forever
				log.Errorf("dropping unparseable message %s: %v", msg.MessageID, err)
				if derr := consumer.Delete(ctx, msg); derr != nil {
					log.Errorf("settle poison message: %v", derr)
				}
				continue
			}
			log.Errorf("dequeue: %v", err)
			sleep(ctx, cfg.PollInterval)
			continue
		}
		if msg == nil {
			sleep(ctx, cfg.PollInterval)
			continue
		}
		workers.dispatch(msg.Event.AggregateID, job{msg: msg})
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
