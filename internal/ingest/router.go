// Package ingest routes incoming rows to the chunk that owns their
// timestamp. The router is the only write path into raw chunks.
package ingest

import (
	"context"
	"fmt"

	"github.com/tickvault/tickvault/internal/catalog"
	"github.com/tickvault/tickvault/internal/chunkstore"
	tverr "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/pkg/types"
)

// Router validates rows and appends them to the owning chunk, extending the
// table's coverage at the leading edge when needed.
type Router struct {
	catalog *catalog.Catalog
	store   *chunkstore.Store
}

// NewRouter creates an ingest router over the catalog and chunk store.
func NewRouter(cat *catalog.Catalog, store *chunkstore.Store) *Router {
	return &Router{catalog: cat, store: store}
}

// Ingest validates the row against the table schema, resolves the owning
// chunk, and appends. Rows whose timestamp falls below existing coverage
// are rejected as out-of-order: the leading-edge invariant forbids opening
// a chunk in the past, and closed chunks never accept writes.
func (r *Router) Ingest(ctx context.Context, table string, row types.Row) error {
	if !row.Valid() {
		return tverr.NewIngestError(tverr.CodeInvalidRow,
			fmt.Sprintf("invalid row for table %s: symbol %q, time %d", table, row.Symbol, row.Time))
	}
	schema, ok := r.store.Schema(table)
	if !ok {
		return tverr.NewIngestError(tverr.CodeNotFound,
			fmt.Sprintf("unknown table %q", table))
	}
	if err := schema.CheckRow(row); err != nil {
		return tverr.NewIngestError(tverr.CodeInvalidRow, err.Error())
	}

	chunk, err := r.catalog.Resolve(ctx, table, row.Time)
	if err != nil {
		if tverr.HasCode(err, tverr.CodeNotFound) && tverr.GetCategory(err) == tverr.ErrCategoryCatalog {
			return tverr.NewIngestError(tverr.CodeOutOfOrder,
				fmt.Sprintf("row at %d for table %s is below current coverage", row.Time, table)).
				WithDetails(map[string]interface{}{"symbol": row.Symbol})
		}
		return err
	}

	if chunk.State != types.ChunkOpen {
		// The owning chunk exists but was already sealed. Distinct from the
		// below-coverage case: the caller hit a real chunk, just too late.
		return tverr.NewIngestError(tverr.CodeChunkCompressedOrDropped,
			fmt.Sprintf("chunk %s owning timestamp %d is %s, not open", chunk.ID, row.Time, chunk.State))
	}

	return r.store.Append(chunk.ID, row)
}

// IngestBatch appends rows in order, stopping at the first failure and
// returning how many rows were accepted.
func (r *Router) IngestBatch(ctx context.Context, table string, rows []types.Row) (int, error) {
	for i, row := range rows {
		if err := r.Ingest(ctx, table, row); err != nil {
			return i, err
		}
	}
	return len(rows), nil
}
