package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"ragforge/types"
)

// pgvector cannot build an HNSW index on vector columns wider than this.
const maxHNSWDims = 2000

const undefinedTable = "42P01"

// PostgresEngine keeps records in a pgvector table named after the index.
type PostgresEngine struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresEngine(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresEngine, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, goerr.Wrap(err, "failed to ping postgres")
	}
	return &PostgresEngine{pool: pool, logger: logger}, nil
}

func PostgresFactory(connStr string, logger *zap.Logger) EngineFactory {
	return func(ctx context.Context) (Engine, error) {
		return NewPostgresEngine(ctx, connStr, logger)
	}
}

func table(index string) string {
	return pgx.Identifier{index}.Sanitize()
}

func (p *PostgresEngine) Exists(ctx context.Context, index string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`, index).Scan(&exists)
	if err != nil {
		return false, goerr.Wrap(err, "failed to check table")
	}
	return exists, nil
}

func (p *PostgresEngine) Create(ctx context.Context, index string, dims int) error {
	t := table(index)
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS %[1]s (
		id UUID PRIMARY KEY,
		content TEXT NOT NULL,
		vector vector(%[2]d) NOT NULL,
		source TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s(source);
	CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s USING gin (to_tsvector('simple', content));
	`, t, dims,
		pgx.Identifier{index + "_source_idx"}.Sanitize(),
		pgx.Identifier{index + "_content_idx"}.Sanitize(),
	)
	if dims <= maxHNSWDims {
		query += fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (vector vector_cosine_ops);",
			pgx.Identifier{index + "_vector_idx"}.Sanitize(), t)
	} else {
		p.logger.Warn("vector too wide for hnsw, searches will scan", zap.Int("dims", dims))
	}

	if _, err := p.pool.Exec(ctx, query); err != nil {
		return goerr.Wrap(err, "failed to create table", goerr.V(types.IndexKey, index))
	}
	return nil
}

// BulkUpsert writes records in one transaction, each row under its own
// savepoint. Rows the database rejects are reported as failures and the rest
// are committed. Errors other than a row rejection fail the whole call.
func (p *PostgresEngine) BulkUpsert(ctx context.Context, index string, records []types.IndexedRecord) ([]types.BulkFailure, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`INSERT INTO %s (id, content, vector, source) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, vector = EXCLUDED.vector, source = EXCLUDED.source`,
		table(index))

	var failures []types.BulkFailure
	for _, r := range records {
		rejected, err := upsertRow(ctx, tx, query, r)
		if err != nil {
			if isUndefinedTable(err) {
				return nil, goerr.Wrap(types.ErrIndexNotFound, err.Error(), goerr.V(types.IndexKey, index))
			}
			return nil, goerr.Wrap(err, "failed to upsert record", goerr.V("id", r.ID.String()))
		}
		if rejected != nil {
			failures = append(failures, types.BulkFailure{ID: r.ID.String(), Reason: rejected.Error()})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, goerr.Wrap(err, "failed to commit batch")
	}
	if len(failures) > 0 {
		p.logger.Warn("rows rejected", zap.String("index", index), zap.Int("rejected", len(failures)))
	}
	return failures, nil
}

// upsertRow inserts r inside a savepoint. A row-level database error is
// returned as rejected with the savepoint rolled back; anything else is err.
func upsertRow(ctx context.Context, tx pgx.Tx, query string, r types.IndexedRecord) (rejected, err error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	_, execErr := sp.Exec(ctx, query, r.ID, r.Content, pgvector.NewVector(r.Vector), r.Source)
	if execErr == nil {
		return nil, sp.Commit(ctx)
	}
	if rbErr := sp.Rollback(ctx); rbErr != nil {
		return nil, rbErr
	}
	var pgErr *pgconn.PgError
	if errors.As(execErr, &pgErr) && pgErr.Code != undefinedTable {
		return execErr, nil
	}
	return nil, execErr
}

func (p *PostgresEngine) KNNSearch(ctx context.Context, index, field string, vector []float32, k, numCandidates int) ([]types.SearchHit, error) {
	if len(vector) == 0 {
		return nil, goerr.New("empty query vector")
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// ef_search is the HNSW candidate list size, capped by pgvector at 1000.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", min(max(numCandidates, k), 1000))); err != nil {
		return nil, goerr.Wrap(err, "failed to set ef_search")
	}

	col := pgx.Identifier{field}.Sanitize()
	query := fmt.Sprintf(`
		SELECT id::text, content, source, 1 - (%[1]s <=> $1) AS score
		FROM %[2]s
		ORDER BY %[1]s <=> $1
		LIMIT $2`, col, table(index))

	rows, err := tx.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, goerr.Wrap(types.ErrIndexNotFound, err.Error(), goerr.V(types.IndexKey, index))
		}
		return nil, goerr.Wrap(err, "knn query failed")
	}
	defer rows.Close()

	var hits []types.SearchHit
	for rows.Next() {
		var h types.SearchHit
		if err := rows.Scan(&h.ID, &h.Content, &h.Source, &h.Score); err != nil {
			return nil, goerr.Wrap(err, "failed to scan hit")
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			return nil, goerr.Wrap(types.ErrIndexNotFound, err.Error(), goerr.V(types.IndexKey, index))
		}
		return nil, goerr.Wrap(err, "knn query failed")
	}
	return hits, nil
}

func (p *PostgresEngine) Count(ctx context.Context, index string) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, "SELECT count(*) FROM "+table(index)).Scan(&n); err != nil {
		if isUndefinedTable(err) {
			return 0, goerr.Wrap(types.ErrIndexNotFound, err.Error(), goerr.V(types.IndexKey, index))
		}
		return 0, goerr.Wrap(err, "count query failed")
	}
	return n, nil
}

// ClusterHealth is green while the database answers pings.
func (p *PostgresEngine) ClusterHealth(ctx context.Context) (types.HealthStatus, error) {
	if err := p.pool.Ping(ctx); err != nil {
		return "", goerr.Wrap(err, "postgres ping failed")
	}
	return types.HealthGreen, nil
}

func (p *PostgresEngine) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("postgres connection pool is closed")
	}
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}
