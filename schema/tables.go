package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"eventledger/domain"
)

// TableCatalog stores schema revisions in an Azure table keyed
// PartitionKey=schema name, RowKey=zero-padded version so a partition scan
// yields versions in ascending order.
type TableCatalog struct {
	table *aztables.Client
}

// NewTableCatalog creates a catalog over the named table.
func NewTableCatalog(svc *aztables.ServiceClient, table string) *TableCatalog {
	return &TableCatalog{table: svc.NewClient(table)}
}

type schemaEntity struct {
	aztables.Entity
	Definition string `json:"Definition"`
	VersionID  string `json:"VersionID"`
	CreatedAt  int64  `json:"CreatedAt"`
}

func versionRowKey(version int) string {
	return fmt.Sprintf("%010d", version)
}

func (c *TableCatalog) Create(ctx context.Context, rec Record) error {
	ent := schemaEntity{
		Entity: aztables.Entity{
			PartitionKey: rec.Name,
			RowKey:       versionRowKey(rec.Version),
		},
		Definition: rec.Definition,
		VersionID:  rec.VersionID,
		CreatedAt:  rec.CreatedAt.UnixMilli(),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := c.table.AddEntity(ctx, payload, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 409 {
			return fmt.Errorf("schema %s v%d: %w", rec.Name, rec.Version, ErrVersionExists)
		}
		return err
	}
	return nil
}

func (c *TableCatalog) Latest(ctx context.Context, name string) (Record, error) {
	recs, err := c.List(ctx, name)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("schema %s: %w", name, domain.ErrNotFound)
	}
	return recs[len(recs)-1], nil
}

func (c *TableCatalog) Version(ctx context.Context, name string, version int) (Record, error) {
	resp, err := c.table.GetEntity(ctx, name, versionRowKey(version), nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return Record{}, fmt.Errorf("schema %s v%d: %w", name, version, domain.ErrNotFound)
		}
		return Record{}, err
	}
	var ent schemaEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return Record{}, err
	}
	return recordFromEntity(ent)
}

func (c *TableCatalog) List(ctx context.Context, name string) ([]Record, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", name)
	pager := c.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var recs []Record
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent schemaEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			rec, err := recordFromEntity(ent)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func recordFromEntity(ent schemaEntity) (Record, error) {
	var version int
	if _, err := fmt.Sscanf(ent.RowKey, "%d", &version); err != nil {
		return Record{}, fmt.Errorf("bad schema row key %q: %v", ent.RowKey, err)
	}
	return Record{
		Name:       ent.PartitionKey,
		Version:    version,
		Definition: ent.Definition,
		VersionID:  ent.VersionID,
		CreatedAt:  time.UnixMilli(ent.CreatedAt).UTC(),
	}, nil
}
