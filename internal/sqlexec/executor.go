package sqlexec

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/metadata"
)

// maxParallel bounds concurrent statements in a read-only bulk.
const maxParallel = 4

// Runner executes statements against one source.
type Runner interface {
	Run(ctx context.Context, stmt RunSQL) (Result, error)
}

// Resolver hands out a Runner for a consistent metadata source.
type Resolver interface {
	Runner(ctx context.Context, src metadata.ResolvedSource) (Runner, error)
}

// Executor executes query API requests.
type Executor struct {
	resolver Resolver
	readOnly bool
}

// NewExecutor creates an Executor. When readOnly is set, statements that
// are not marked read_only are rejected.
func NewExecutor(resolver Resolver, readOnly bool) *Executor {
	return &Executor{resolver: resolver, readOnly: readOnly}
}

// Execute runs the statements of q against the sources in cache.
// A run_sql query returns a single Result, a bulk query a slice of them.
//
// Bulk queries made only of read-only statements run concurrently;
// anything else runs in order and stops at the first failure.
func (e *Executor) Execute(ctx context.Context, cache *metadata.SchemaCache, q Query) (any, error) {
	stmts, err := Flatten(q)
	if err != nil {
		return nil, err
	}
	if err := e.checkMode(stmts); err != nil {
		return nil, err
	}

	if q.Type == TypeRunSQL {
		return e.run(ctx, cache, stmts[0])
	}

	results := make([]Result, len(stmts))
	if !allReadOnly(stmts) {
		for i, s := range stmts {
			res, err := e.run(ctx, cache, s)
			if err != nil {
				return nil, atIndex(err, i)
			}
			results[i] = res
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, s := range stmts {
		g.Go(func() error {
			res, err := e.run(gctx, cache, s)
			if err != nil {
				return atIndex(err, i)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Rebuilds reports whether executing q may change the schema.
func Rebuilds(q Query) bool {
	stmts, err := Flatten(q)
	if err != nil {
		return false
	}
	for _, s := range stmts {
		if s.Rebuilds() {
			return true
		}
	}
	return false
}

func (e *Executor) checkMode(stmts []RunSQL) error {
	if !e.readOnly {
		return nil
	}
	for _, s := range stmts {
		if !s.ReadOnly {
			return apierr.Handler(apierr.CodeReadOnlyMode, http.StatusBadRequest,
				"cannot run sql that is not read_only while the server is in read-only mode")
		}
	}
	return nil
}

func (e *Executor) run(ctx context.Context, cache *metadata.SchemaCache, s RunSQL) (Result, error) {
	src, ok := cache.Source(s.Source)
	if !ok {
		return Result{}, apierr.BadRequest(apierr.CodeNotFound,
			fmt.Sprintf("source with name %q does not exist", s.Source)).WithPath("$.args.source")
	}
	r, err := e.resolver.Runner(ctx, src)
	if err != nil {
		return Result{}, apierr.Handler(apierr.CodeUpstreamFailed, http.StatusInternalServerError,
			fmt.Sprintf("connecting to source %q failed", s.Source)).Wrap(err)
	}
	return r.Run(ctx, s)
}

func allReadOnly(stmts []RunSQL) bool {
	for _, s := range stmts {
		if !s.ReadOnly {
			return false
		}
	}
	return true
}

func atIndex(err error, i int) error {
	e := apierr.From(err)
	return e.WithPath(fmt.Sprintf("$.args[%d]%s", i, strings.TrimPrefix(e.Path, "$")))
}
