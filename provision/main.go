package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"
)

type settings struct {
	Debug            bool   `env:"DEBUG"`
	ConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING"`
	EventsTable      string `env:"EVENTS_TABLE" envDefault:"events"`
	SchemasTable     string `env:"SCHEMAS_TABLE" envDefault:"schemas"`
	ReadModelTable   string `env:"READ_MODEL_TABLE" envDefault:"readmodels"`
	FeedQueue        string `env:"FEED_QUEUE" envDefault:"events-feed"`
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
		log.Fatal("missing AZURE_STORAGE_CONNECTION_STRING")
	}
	log.Info("provisioning storage")

	ctx := context.Background()

	if err := createTables(ctx, cfg.ConnectionString, []string{
		cfg.EventsTable,
		cfg.SchemasTable,
		cfg.ReadModelTable,
	}); err != nil {
		log.Fatalf("create tables: %v", err)
	}

	if err := createQueues(ctx, cfg.ConnectionString, []string{cfg.FeedQueue}); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	log.Info("provisioning complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		c := svc.NewClient(name)
		_, err := c.CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
		log.Debugf("table %s ready", name)
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
		log.Debugf("queue %s ready", name)
	}
	return nil
}
