package sqlexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/infrastructure/logging"
	"github.com/nerrad567/graygate/internal/metadata"
)

const (
	pingTimeout     = 5 * time.Second
	maxConnIdleTime = 5 * time.Minute
	applicationName = "graygate"
)

// Pools keeps one connection pool per metadata source. A source whose
// connection URL changes gets a fresh pool.
type Pools struct {
	opts    Options
	log     *logging.Logger
	connect func(ctx context.Context, src metadata.ResolvedSource) (*pgxpool.Pool, error)

	mu    sync.Mutex
	pools map[string]*sourcePool
}

type sourcePool struct {
	url  string
	pool *pgxpool.Pool
}

// NewPools creates an empty pool set.
func NewPools(opts Options, log *logging.Logger) *Pools {
	return &Pools{
		opts:    opts,
		log:     log.ForType("sqlexec"),
		connect: newPool,
		pools:   make(map[string]*sourcePool),
	}
}

// Runner returns the runner for src, creating its pool on first use.
func (p *Pools) Runner(ctx context.Context, src metadata.ResolvedSource) (Runner, error) {
	pool, err := p.pool(ctx, src)
	if err != nil {
		return nil, err
	}
	return &pgRunner{pool: pool, opts: p.opts}, nil
}

// Check pings src. It is used as the metadata builder's source checker.
func (p *Pools) Check(ctx context.Context, src metadata.ResolvedSource) error {
	pool, err := p.pool(ctx, src)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return pool.Ping(ctx)
}

// Close closes every pool.
func (p *Pools) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, sp := range p.pools {
		sp.pool.Close()
		delete(p.pools, name)
	}
}

func (p *Pools) pool(ctx context.Context, src metadata.ResolvedSource) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sp, ok := p.pools[src.Name]; ok {
		if sp.url == src.URL {
			return sp.pool, nil
		}
		sp.pool.Close()
		delete(p.pools, src.Name)
		p.log.Info("source configuration changed, reconnecting", "source", src.Name)
	}

	pool, err := p.connect(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("creating pool for source %q: %w", src.Name, err)
	}
	p.pools[src.Name] = &sourcePool{url: src.URL, pool: pool}
	return pool, nil
}

func newPool(ctx context.Context, src metadata.ResolvedSource) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(src.URL)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	if src.MaxConns > 0 {
		cfg.MaxConns = src.MaxConns
	}
	cfg.MinConns = 0
	cfg.MaxConnIdleTime = maxConnIdleTime
	return pgxpool.NewWithConfig(ctx, cfg)
}

// pgRunner runs statements on a pool, one transaction per statement.
type pgRunner struct {
	pool *pgxpool.Pool
	opts Options
}

func (r *pgRunner) Run(ctx context.Context, stmt RunSQL) (Result, error) {
	opts := pgx.TxOptions{}
	if stmt.ReadOnly {
		opts.AccessMode = pgx.ReadOnly
	}

	var results []*pgconn.Result
	err := pgx.BeginTxFunc(ctx, r.pool, opts, func(tx pgx.Tx) error {
		var err error
		results, err = tx.Conn().PgConn().Exec(ctx, stmt.SQL).ReadAll()
		return err
	})
	if err != nil {
		return Result{}, sqlError(err, stmt.SQL)
	}
	return tabulate(results, r.opts), nil
}

// tabulate turns the last statement's result into the query API shape: a
// header row of column names followed by the data rows.
func tabulate(results []*pgconn.Result, opts Options) Result {
	if len(results) == 0 {
		return Result{ResultType: ResultCommand}
	}
	last := results[len(results)-1]
	if len(last.FieldDescriptions) == 0 {
		return Result{ResultType: ResultCommand}
	}

	header := make([]any, len(last.FieldDescriptions))
	for i, f := range last.FieldDescriptions {
		header[i] = f.Name
	}
	rows := make([][]any, 0, len(last.Rows)+1)
	rows = append(rows, header)
	for _, raw := range last.Rows {
		row := make([]any, len(raw))
		for i, v := range raw {
			row[i] = convert(last.FieldDescriptions[i].DataTypeOID, v, opts)
		}
		rows = append(rows, row)
	}
	return Result{ResultType: ResultTuples, Result: rows}
}

// convert renders one text-format column value.
func convert(oid uint32, v []byte, opts Options) any {
	if v == nil {
		return nil
	}
	switch oid {
	case pgtype.BoolOID:
		return string(v) == "t"
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID,
		pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		s := string(v)
		if opts.StringifyNumerics || s == "NaN" || s == "Infinity" || s == "-Infinity" {
			return s
		}
		return json.Number(s)
	case pgtype.JSONOID, pgtype.JSONBOID:
		return json.RawMessage(v)
	}
	return string(v)
}

// sqlError maps a database failure to a postgres-error response.
func sqlError(err error, statement string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Handler(apierr.CodeUpstreamFailed, http.StatusInternalServerError,
			"query execution was interrupted").Wrap(err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return apierr.Handler(apierr.CodeUpstreamFailed, http.StatusInternalServerError,
			"database query error").Wrap(err).WithInternal(map[string]any{"error": err.Error(), "statement": statement})
	}
	return apierr.Handler(apierr.CodePostgresError, http.StatusBadRequest, "query execution failed").
		Wrap(err).
		WithInternal(map[string]any{
			"statement": statement,
			"error": map[string]any{
				"message":     pgErr.Message,
				"status_code": pgErr.Code,
				"description": pgErr.Detail,
				"hint":        pgErr.Hint,
			},
		})
}
