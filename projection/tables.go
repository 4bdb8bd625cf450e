package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"eventledger/domain"
)

// TableStore keeps read models in an Azure table, one entity per aggregate
// (PartitionKey = RowKey = aggregate id), with ETag-checked updates backing
// the optimistic version contract. Filtering beyond status happens
// client-side; deployments that need server-side search use the mongo
// provider.
type TableStore struct {
	table *aztables.Client
}

func NewTableStore(svc *aztables.ServiceClient, table string) *TableStore {
	return &TableStore{table: svc.NewClient(table)}
}

type documentEntity struct {
	aztables.Entity
	ETag           string `json:"odata.etag,omitempty"`
	DocVersion     int    `json:"DocVersion"`
	LastUpdated    int64  `json:"LastUpdated"`
	Status         string `json:"Status"`
	Fields         string `json:"Fields"`
	SearchableText string `json:"SearchableText"`
}

func (s *TableStore) Get(ctx context.Context, id string) (*Document, error) {
	resp, err := s.table.GetEntity(ctx, id, id, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var ent documentEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return documentFromEntity(ent)
}

func (s *TableStore) Upsert(ctx context.Context, doc Document, expectedVersion int) error {
	payload, err := entityPayload(doc)
	if err != nil {
		return err
	}
	if expectedVersion == 0 {
		_, err = s.table.AddEntity(ctx, payload, nil)
	} else {
		et := azcore.ETag(doc.etag)
		if doc.etag == "" {
			et = azcore.ETagAny
		}
		_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
			IfMatch:    &et,
			UpdateMode: aztables.UpdateModeReplace,
		})
	}
	return mapDocumentWriteError(err)
}

func (s *TableStore) Query(ctx context.Context, q Query) ([]Document, error) {
	var filter *string
	if q.Status != "" {
		f := fmt.Sprintf("Status eq '%s'", q.Status)
		filter = &f
	}
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: filter})
	docs := []Document{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent documentEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			doc, err := documentFromEntity(ent)
			if err != nil {
				return nil, err
			}
			if matches(*doc, q) {
				docs = append(docs, *doc)
			}
		}
	}
	sortDocuments(docs, q)
	return paginate(docs, q), nil
}

func (s *TableStore) Delete(ctx context.Context, id string) error {
	_, err := s.table.DeleteEntity(ctx, id, id, nil)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("read model %s: %w", id, domain.ErrNotFound)
	}
	return err
}

func entityPayload(doc Document) ([]byte, error) {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshal read model %s: %w", doc.ID, err)
	}
	return json.Marshal(documentEntity{
		Entity: aztables.Entity{
			PartitionKey: doc.ID,
			RowKey:       doc.ID,
		},
		DocVersion:     doc.Version,
		LastUpdated:    doc.LastUpdated.UnixMilli(),
		Status:         doc.Status,
		Fields:         string(fields),
		SearchableText: doc.SearchableText,
	})
}

func documentFromEntity(ent documentEntity) (*Document, error) {
	doc := Document{
		ID:             ent.PartitionKey,
		Version:        ent.DocVersion,
		LastUpdated:    time.UnixMilli(ent.LastUpdated).UTC(),
		Status:         ent.Status,
		SearchableText: ent.SearchableText,
		etag:           ent.ETag,
	}
	if ent.Fields != "" {
		if err := json.Unmarshal([]byte(ent.Fields), &doc.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal read model %s: %w", ent.PartitionKey, err)
		}
	}
	return &doc, nil
}

func mapDocumentWriteError(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusConflict, http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		}
	}
	return err
}

// matches applies the filters the table service cannot evaluate server-side.
func matches(doc Document, q Query) bool {
	for field, want := range q.Fields {
		if fmt.Sprint(doc.Fields[field]) != fmt.Sprint(want) {
			return false
		}
	}
	if q.Search != "" && !strings.Contains(strings.ToLower(doc.SearchableText), strings.ToLower(q.Search)) {
		return false
	}
	return true
}

func sortDocuments(docs []Document, q Query) {
	sort.Slice(docs, func(i, j int) bool {
		less := compareDocuments(docs[i], docs[j], q.SortBy)
		if q.Descending {
			return !less
		}
		return less
	})
}

func compareDocuments(a, b Document, sortBy string) bool {
	if sortBy == "" {
		return a.ID < b.ID
	}
	av, bv := a.Fields[sortBy], b.Fields[sortBy]
	if af, aok := av.(float64); aok {
		if bf, bok := bv.(float64); bok {
			return af < bf
		}
	}
	return fmt.Sprint(av) < fmt.Sprint(bv)
}

func paginate(docs []Document, q Query) []Document {
	if q.Offset >= len(docs) {
		return []Document{}
	}
	docs = docs[q.Offset:]
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}
