// Package milvus implements the VectorIndex capability over
// github.com/milvus-io/milvus-sdk-go/v2. One Milvus collection backs
// each named VectorRecord collection (nodes, templates, plus the three
// reserved collections), created lazily on first use.
package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/rakunlabs/flowisemcp/internal/config"
	"github.com/rakunlabs/flowisemcp/internal/core"
)

const (
	fieldID        = "record_id"
	fieldEmbedding = "embedding"
	fieldPayload   = "payload"
	// fieldCategory is duplicated out of the payload as a scalar column
	// so search filters can use a plain equality expression.
	fieldCategory = "category"
)

// Index is the milvus-backed VectorIndex. One Index instance serves
// every named collection; Milvus collections are
// created on demand the first time a collection name is touched.
type Index struct {
	c         client.Client
	dimension int

	ensured map[core.VectorCollection]bool
}

// New dials the Milvus instance described by cfg.
func New(ctx context.Context, cfg config.VectorIndexConfig) (*Index, error) {
	c, err := client.NewGrpcClient(ctx, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial milvus at %s: %w", cfg.Address, err)
	}
	return &Index{c: c, dimension: cfg.Dimension, ensured: make(map[core.VectorCollection]bool)}, nil
}

func (i *Index) Close() {
	if i.c != nil {
		_ = i.c.Close()
	}
}

// ensureCollection creates and loads the Milvus collection backing
// coll if it does not already exist: the schema bootstrap the sql
// stores do with migrations, expressed as Milvus's
// schema+index+load sequence.
func (i *Index) ensureCollection(ctx context.Context, coll core.VectorCollection) error {
	if i.ensured[coll] {
		return nil
	}

	name := collectionName(coll)
	has, err := i.c.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}

	if !has {
		schema := &entity.Schema{
			CollectionName: name,
			Description:    "flowisemcp semantic index collection: " + string(coll),
			Fields: []*entity.Field{
				{Name: fieldID, DataType: entity.FieldTypeVarChar, PrimaryKey: true, AutoID: false, TypeParams: map[string]string{"max_length": "128"}},
				{Name: fieldEmbedding, DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": fmt.Sprintf("%d", i.dimension)}},
				{Name: fieldCategory, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "256"}},
				{Name: fieldPayload, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "65535"}},
			},
		}

		if err := i.c.CreateCollection(ctx, schema, 2); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}

		idx, err := entity.NewIndexIvfFlat(entity.COSINE, 128)
		if err != nil {
			return fmt.Errorf("build index spec for %s: %w", name, err)
		}
		if err := i.c.CreateIndex(ctx, name, fieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("create index on %s: %w", name, err)
		}

		slog.Info("milvus: created collection", "collection", name)
	}

	if err := i.c.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("load collection %s: %w", name, err)
	}

	i.ensured[coll] = true
	return nil
}

// Upsert implements semantic.VectorIndex: insert-or-replace records
// within their collection. Milvus has no native upsert for this SDK
// version, so an existing id is deleted before the fresh row is
// inserted, matching the "re-embedding is a no-op when unchanged"
// invariant at the call site (internal/semantic only calls Upsert for
// records whose payload actually changed).
func (i *Index) Upsert(ctx context.Context, coll core.VectorCollection, records []core.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := i.ensureCollection(ctx, coll); err != nil {
		return err
	}

	name := collectionName(coll)

	ids := make([]string, len(records))
	vectors := make([][]float32, len(records))
	categories := make([]string, len(records))
	payloads := make([]string, len(records))
	for idx, r := range records {
		ids[idx] = r.RecordID
		vectors[idx] = r.Embedding
		categories[idx], _ = r.Payload["category"].(string)
		p, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for %s: %w", r.RecordID, err)
		}
		payloads[idx] = string(p)
	}

	if err := i.c.Delete(ctx, name, "", quotedInExpr(fieldID, ids)); err != nil {
		slog.Warn("milvus: pre-upsert delete failed, continuing to insert", "collection", name, "error", err)
	}

	_, err := i.c.Insert(ctx, name, "",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, i.dimension, vectors),
		entity.NewColumnVarChar(fieldCategory, categories),
		entity.NewColumnVarChar(fieldPayload, payloads),
	)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", name, err)
	}
	return nil
}

// Query implements semantic.VectorIndex: ranked nearest-neighbor
// search within one collection, optionally restricted by a scalar
// filter expression (search_nodes's `category` equality filter).
func (i *Index) Query(ctx context.Context, coll core.VectorCollection, embedding []float32, k int, filter string) ([]core.VectorRecord, []float32, error) {
	if err := i.ensureCollection(ctx, coll); err != nil {
		return nil, nil, err
	}

	name := collectionName(coll)

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, nil, fmt.Errorf("build search param: %w", err)
	}

	results, err := i.c.Search(ctx, name, nil, filter, []string{fieldPayload}, []entity.Vector{entity.FloatVector(embedding)}, fieldEmbedding, entity.COSINE, k, sp)
	if err != nil {
		return nil, nil, fmt.Errorf("search %s: %w", name, err)
	}

	var records []core.VectorRecord
	var scores []float32
	for _, res := range results {
		payloadCol, ok := res.Fields.GetColumn(fieldPayload).(*entity.ColumnVarChar)
		if !ok {
			continue
		}
		idCol, ok := res.IDs.(*entity.ColumnVarChar)
		if !ok {
			continue
		}
		for idx := 0; idx < res.ResultCount; idx++ {
			var payload map[string]any
			if err := json.Unmarshal([]byte(payloadCol.Data()[idx]), &payload); err != nil {
				continue
			}
			records = append(records, core.VectorRecord{
				RecordID:   idCol.Data()[idx],
				Collection: coll,
				Payload:    payload,
			})
			scores = append(scores, res.Scores[idx])
		}
	}
	return records, scores, nil
}

// Delete implements semantic.VectorIndex: remove specific record ids
// from a collection (used when a node disappears from the catalog
// entirely rather than merely being marked deprecated — currently
// unreachable since the catalog never hard-deletes, but kept as the
// capability's full interface surface).
func (i *Index) Delete(ctx context.Context, coll core.VectorCollection, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := i.ensureCollection(ctx, coll); err != nil {
		return err
	}
	return i.c.Delete(ctx, collectionName(coll), "", quotedInExpr(fieldID, ids))
}

// CollectionSize reports the current row count for get_system_health's
// collection-sizes field.
func (i *Index) CollectionSize(ctx context.Context, coll core.VectorCollection) (int64, error) {
	if err := i.ensureCollection(ctx, coll); err != nil {
		return 0, err
	}
	stats, err := i.c.GetCollectionStatistics(ctx, collectionName(coll))
	if err != nil {
		return 0, fmt.Errorf("stats for %s: %w", coll, err)
	}
	var count int64
	fmt.Sscanf(stats["row_count"], "%d", &count)
	return count, nil
}

func collectionName(coll core.VectorCollection) string {
	return "flowisemcp_" + string(coll)
}

func quotedInExpr(field string, values []string) string {
	expr := field + ` in [`
	for idx, v := range values {
		if idx > 0 {
			expr += ", "
		}
		expr += `"` + v + `"`
	}
	return expr + "]"
}
