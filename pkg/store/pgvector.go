package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/docchat/internal/models"
)

// MaxUpsertBatch is the largest number of records a single Upsert accepts.
const MaxUpsertBatch = 100

var (
	ErrBatchTooLarge = fmt.Errorf("upsert batch exceeds %d records", MaxUpsertBatch)
	ErrMissingTenant = errors.New("query filter must include userId")
)

// filterColumns maps filterable metadata fields to SQL expressions.
var filterColumns = map[string]string{
	models.FieldUserID: "user_id",
	models.FieldSource: "source",
	models.FieldPage:   "page::text",
}

type VectorStoreConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
	// EfSearch is the hnsw candidate list size used by filtered queries.
	EfSearch int
}

type VectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
	// iterativeScan is set when the extension can keep scanning the hnsw
	// graph until enough rows pass the filter (pgvector 0.8+).
	iterativeScan bool
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*VectorStore, error) {
	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	vs, err := NewWithPool(ctx, pool, config)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return vs, nil
}

// NewWithPool builds the index on a pool shared with the chat store.
func NewWithPool(ctx context.Context, pool *pgxpool.Pool, config VectorStoreConfig) (*VectorStore, error) {
	if config.TableName == "" {
		config.TableName = "chunks"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.EfSearch == 0 {
		config.EfSearch = 100
	}

	vs := &VectorStore{
		config: config,
		pool:   pool,
	}

	if err := vs.initialize(ctx); err != nil {
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	// Enable pgvector extension
	_, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %v", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source TEXT NOT NULL,
			page INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, vs.config.TableName, vs.config.VectorDim)

	_, err = vs.pool.Exec(ctx, createTable)
	if err != nil {
		return fmt.Errorf("failed to create table: %v", err)
	}

	createScopeIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_user_source_idx
		ON %s (user_id, source)`,
		vs.config.TableName, vs.config.TableName)

	if _, err = vs.pool.Exec(ctx, createScopeIndex); err != nil {
		return fmt.Errorf("failed to create index: %v", err)
	}

	// hnsw needs no training data, unlike ivfflat built on an empty table
	dropLegacy := fmt.Sprintf("DROP INDEX IF EXISTS %s_embedding_idx", vs.config.TableName)
	if _, err = vs.pool.Exec(ctx, dropLegacy); err != nil {
		return fmt.Errorf("failed to drop index: %v", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_hnsw_idx
		ON %s
		USING hnsw (embedding vector_cosine_ops)`,
		vs.config.TableName, vs.config.TableName)

	_, err = vs.pool.Exec(ctx, createIndex)
	if err != nil {
		return fmt.Errorf("failed to create index: %v", err)
	}

	var version string
	err = vs.pool.QueryRow(ctx, "SELECT extversion FROM pg_extension WHERE extname = 'vector'").Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read vector extension version: %v", err)
	}
	vs.iterativeScan = versionAtLeast(version, 0, 8)

	return nil
}

// Upsert writes one sub-batch of at most MaxUpsertBatch records in a single
// transaction. Splitting larger inputs is the caller's job (see Batcher).
func (vs *VectorStore) Upsert(ctx context.Context, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if len(records) > MaxUpsertBatch {
		return ErrBatchTooLarge
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, source, page, chunk_index, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			page = EXCLUDED.page,
			chunk_index = EXCLUDED.chunk_index`,
		vs.config.TableName)

	batch := &pgx.Batch{}
	for _, r := range records {
		if len(r.Vector) != vs.config.VectorDim {
			return fmt.Errorf("record %s has dimension %d, index expects %d", r.ID, len(r.Vector), vs.config.VectorDim)
		}
		if r.Metadata.UserID == "" {
			return fmt.Errorf("record %s: %w", r.ID, ErrMissingTenant)
		}
		batch.Queue(stmt,
			r.ID,
			r.Metadata.UserID,
			r.Metadata.Source,
			r.Metadata.Page,
			r.Metadata.ChunkIndex,
			sanitizeUTF8(r.Metadata.Text),
			pgvector.NewVector(r.Vector),
		)
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %v", err)
	}

	return nil
}

// Query returns the topK nearest records that satisfy every filter field,
// highest cosine similarity first. Fewer than topK results means fewer
// than topK records match the filter.
func (vs *VectorStore) Query(ctx context.Context, vector []float32, topK int, filter models.Filter) ([]models.Match, error) {
	where, args, err := buildWhere(filter, 3)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}

	query := fmt.Sprintf(`
		WITH candidates AS MATERIALIZED (
			SELECT id, user_id, source, page, chunk_index, content,
				embedding <=> $1 AS distance
			FROM %s
			WHERE %s
			ORDER BY distance
			LIMIT $2
		)
		SELECT id, user_id, source, page, chunk_index, content, 1 - distance
		FROM candidates
		ORDER BY distance, id`,
		vs.config.TableName, where)
	args = append([]any{pgvector.NewVector(vector), topK}, args...)

	if vs.iterativeScan {
		matches, err := vs.query(ctx, vs.iterativeSettings(), query, args)
		if err != nil || len(matches) == topK {
			return matches, err
		}
		// the graph walk hit its scan limit before finding topK rows
	}
	return vs.query(ctx, exactSettings, query, args)
}

// exactSettings keep the planner off the hnsw index so the filter is
// applied before ranking.
var exactSettings = []string{"SET LOCAL enable_indexscan = off"}

func (vs *VectorStore) iterativeSettings() []string {
	return []string{
		"SET LOCAL hnsw.iterative_scan = relaxed_order",
		fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", vs.config.EfSearch),
	}
}

func (vs *VectorStore) query(ctx context.Context, settings []string, query string, args []any) ([]models.Match, error) {
	var matches []models.Match
	err := pgx.BeginFunc(ctx, vs.pool, func(tx pgx.Tx) error {
		for _, stmt := range settings {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to configure query: %v", err)
			}
		}

		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query vectors: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var m models.Match
			err := rows.Scan(
				&m.ID,
				&m.Metadata.UserID,
				&m.Metadata.Source,
				&m.Metadata.Page,
				&m.Metadata.ChunkIndex,
				&m.Metadata.Text,
				&m.Score,
			)
			if err != nil {
				return fmt.Errorf("failed to scan row: %v", err)
			}
			matches = append(matches, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (vs *VectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", vs.config.TableName)
	if _, err := vs.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

// Close closes the pool; closing a pool twice is a no-op.
func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

// buildWhere turns a filter into a SQL conjunction with numbered
// placeholders starting at first. userId is mandatory.
func buildWhere(filter models.Filter, first int) (string, []any, error) {
	if filter[models.FieldUserID] == "" {
		return "", nil, ErrMissingTenant
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []string
	var args []any
	for _, k := range keys {
		column, ok := filterColumns[k]
		if !ok {
			return "", nil, fmt.Errorf("unsupported filter field %q", k)
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, first+len(args)))
		args = append(args, filter[k])
	}

	return strings.Join(clauses, " AND "), args, nil
}

func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}

// versionAtLeast compares a "major.minor[.patch]" extension version.
func versionAtLeast(version string, major, minor int) bool {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return false
	}
	gotMajor, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	gotMinor, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	if gotMajor != major {
		return gotMajor > major
	}
	return gotMinor >= minor
}
