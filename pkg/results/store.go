package results

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/amila-ai/amila/pkg/cache"
	"github.com/amila-ai/amila/pkg/models"
)

// Cache key prefixes. Full results are keyed by normalized SQL hash so
// identical statements share an entry; qref and qresultById provide the
// query-id indirection used by result references.
const (
	keyResult     = "qresult:"     // + sha256(normalize_sql || db_type)
	keyRef        = "qref:"        // + query_id
	keyResultByID = "qresultById:" // + query_id
)

// Options sizes transport payloads and staging TTLs.
type Options struct {
	// MaxInlineRows is the largest result returned inline; anything bigger
	// is sent as a preview plus reference.
	MaxInlineRows int
	// PreviewRows is the preview size attached to referenced results.
	PreviewRows int
	// InlineTTL stages results small enough to return inline.
	InlineTTL time.Duration
	// ReferenceTTL stages referenced results and their qref entries.
	ReferenceTTL time.Duration
}

// Store stages executed query results in the cache and decides the transport
// shape: inline rows for small results, preview plus ResultReference for
// large ones.
type Store struct {
	kv     cache.Store
	opts   Options
	logger *slog.Logger
}

func NewStore(kv cache.Store, opts Options, logger *slog.Logger) *Store {
	return &Store{kv: kv, opts: opts, logger: logger.With("component", "result_store")}
}

// Save stages a full result under its SQL hash and query id, then returns
// the transport shape. Staging failures are logged, not surfaced: a dead
// cache degrades reference results to their previews, nothing more.
func (s *Store) Save(ctx context.Context, queryID, sql string, dbType models.DatabaseType, result *models.CachedResult) (*models.ResultsPayload, *models.ResultReference) {
	hash := CacheKey(sql, string(dbType))
	ttl := s.opts.InlineTTL
	if s.oversized(result) {
		ttl = s.opts.ReferenceTTL
	}

	if raw, err := json.Marshal(result); err == nil {
		if err := s.kv.Set(ctx, keyResult+hash, raw, ttl); err != nil {
			s.logger.Warn("Failed to stage result by hash", "query_id", queryID, "error", err)
		}
		if err := s.kv.Set(ctx, keyResultByID+queryID, raw, ttl); err != nil {
			s.logger.Warn("Failed to stage result by query id", "query_id", queryID, "error", err)
		}
	}

	ref := &models.ResultReference{
		QueryID:     queryID,
		QueryHash:   hash,
		RowCount:    result.RowCount,
		Columns:     result.Columns,
		CacheStatus: "cached",
	}
	if raw, err := json.Marshal(ref); err == nil {
		if err := s.kv.Set(ctx, keyRef+queryID, raw, s.opts.ReferenceTTL); err != nil {
			s.logger.Warn("Failed to stage result reference", "query_id", queryID, "error", err)
		}
	}

	payload, transportRef := s.shape(result, ref)
	return payload, transportRef
}

// shape applies the transport sizing rule.
func (s *Store) shape(result *models.CachedResult, ref *models.ResultReference) (*models.ResultsPayload, *models.ResultReference) {
	payload := &models.ResultsPayload{
		Columns:         result.Columns,
		Rows:            result.Rows,
		RowCount:        result.RowCount,
		ExecutionTimeMS: result.ExecutionTimeMS,
		DataQuality:     result.DataQuality,
	}
	if !s.oversized(result) {
		return payload, nil
	}
	if len(payload.Rows) > s.opts.PreviewRows {
		payload.Rows = payload.Rows[:s.opts.PreviewRows]
	}
	return payload, ref
}

// oversized reports whether a result exceeds the inline threshold. RowCount
// and the row slice length can disagree, so both are checked.
func (s *Store) oversized(result *models.CachedResult) bool {
	return result.RowCount > s.opts.MaxInlineRows || len(result.Rows) > s.opts.MaxInlineRows
}

// Lookup returns a previously staged result for a semantically identical
// statement, or nil on a miss.
func (s *Store) Lookup(ctx context.Context, sql string, dbType models.DatabaseType) (*models.CachedResult, error) {
	raw, err := s.kv.Get(ctx, keyResult+CacheKey(sql, string(dbType)))
	if err != nil || raw == nil {
		return nil, err
	}
	var result models.CachedResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &result, nil
}

// GetByQueryID resolves a result reference back to the full result. When the
// reference exists but the underlying result has expired, the reference is
// returned with CacheStatus "expired" and a nil result.
func (s *Store) GetByQueryID(ctx context.Context, queryID string) (*models.CachedResult, *models.ResultReference, error) {
	rawRef, err := s.kv.Get(ctx, keyRef+queryID)
	if err != nil {
		return nil, nil, err
	}
	if rawRef == nil {
		return nil, nil, nil
	}
	var ref models.ResultReference
	if err := json.Unmarshal(rawRef, &ref); err != nil {
		return nil, nil, fmt.Errorf("decode result reference: %w", err)
	}

	raw, err := s.kv.Get(ctx, keyResultByID+queryID)
	if err != nil {
		return nil, nil, err
	}
	if raw == nil {
		// The by-id copy can be evicted independently of the by-hash entry.
		raw, err = s.kv.Get(ctx, keyResult+ref.QueryHash)
		if err != nil {
			return nil, nil, err
		}
	}
	if raw == nil {
		ref.CacheStatus = "expired"
		return nil, &ref, nil
	}

	var result models.CachedResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &result, &ref, nil
}
