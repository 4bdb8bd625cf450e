package projection

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	ProviderTables = "tables"
	ProviderMongo  = "mongo"
)

type Config struct {
	Provider string `env:"READ_MODEL_PROVIDER" envDefault:"tables"`

	TablesConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING"`
	TableName              string `env:"READ_MODEL_TABLE" envDefault:"readmodels"`

	MongoURI        string `env:"MONGO_URI"`
	MongoDatabase   string `env:"MONGO_DATABASE" envDefault:"eventledger"`
	MongoCollection string `env:"MONGO_COLLECTION" envDefault:"readmodels"`
}

// NewDocumentStore builds the configured store backend. An unknown provider
// is a configuration error and fails here, before any event is handled.
func NewDocumentStore(ctx context.Context, cfg Config) (DocumentStore, error) {
	switch cfg.Provider {
	case ProviderTables:
		svc, err := aztables.NewServiceClientFromConnectionString(cfg.TablesConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("connect table storage: %w", err)
		}
		return NewTableStore(svc, cfg.TableName), nil
	case ProviderMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		store := NewMongoStore(client.Database(cfg.MongoDatabase), cfg.MongoCollection)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown read model provider %q", cfg.Provider)
	}
}
