package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/metadata"
	"github.com/nerrad567/graygate/internal/pgdump"
	"github.com/nerrad567/graygate/internal/sqlexec"
)

// queryRequest is the body of /v1/query and /v2/query.
type queryRequest struct {
	Type            string          `json:"type"`
	Args            json.RawMessage `json:"args"`
	ResourceVersion *int64          `json:"resource_version,omitempty"`
	Version         int             `json:"version,omitempty"`
}

// handleQueryV1 runs SQL queries and, for every other type, metadata
// commands.
func (s *Server) handleQueryV1(ctx context.Context, rc *RequestContext, q queryRequest) (Result, error) {
	if sqlexec.Known(q.Type) {
		return s.runQuery(ctx, rc, sqlexec.Query{Type: q.Type, Args: q.Args})
	}
	res, err := s.metadata.ExecuteAt(ctx, rc.Schema, metadata.Command{
		Type:            q.Type,
		Args:            q.Args,
		ResourceVersion: q.ResourceVersion,
		Version:         q.Version,
	})
	if err != nil {
		return Result{}, err
	}
	return JSON(res), nil
}

// handleQueryV2 accepts SQL queries only.
func (s *Server) handleQueryV2(ctx context.Context, rc *RequestContext, q queryRequest) (Result, error) {
	if !sqlexec.Known(q.Type) {
		return Result{}, apierr.Handler(apierr.CodeNotSupported, http.StatusBadRequest,
			fmt.Sprintf("unknown query type %q", q.Type)).WithPath("$.type")
	}
	return s.runQuery(ctx, rc, sqlexec.Query{Type: q.Type, Args: q.Args})
}

// runQuery executes q against the request snapshot. Statements that may
// change the schema run inside the cache update section and trigger a
// rebuild.
func (s *Server) runQuery(ctx context.Context, rc *RequestContext, q sqlexec.Query) (Result, error) {
	var (
		res any
		err error
	)
	if sqlexec.Rebuilds(q) {
		res, err = s.metadata.Rebuild(ctx, func(ctx context.Context) (any, error) {
			return s.query.Execute(ctx, s.cell.Snapshot().Value, q)
		})
	} else {
		res, err = s.query.Execute(ctx, rc.Cache(), q)
	}
	if err != nil {
		return Result{}, err
	}
	return JSON(res), nil
}

func (s *Server) handleMetadata(ctx context.Context, rc *RequestContext, cmd metadata.Command) (Result, error) {
	res, err := s.metadata.ExecuteAt(ctx, rc.Schema, cmd)
	if err != nil {
		return Result{}, err
	}
	return JSON(res), nil
}

// handlePGDump streams a schema dump of one source as SQL text.
func (s *Server) handlePGDump(ctx context.Context, rc *RequestContext, req pgdump.Request) (Result, error) {
	name := req.SourceName
	if name == "" {
		name = sqlexec.DefaultSource
	}
	src, ok := rc.Cache().Source(name)
	if !ok {
		return Result{}, apierr.BadRequest(apierr.CodeNotFound,
			fmt.Sprintf("source with name %q does not exist", name)).WithPath("$.source_name")
	}
	out, err := s.dumper.Dump(ctx, src, req)
	if err != nil {
		return Result{}, err
	}
	return Raw(contentTypeSQL, out), nil
}
