package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/auth"
	"github.com/nerrad567/graygate/internal/gql"
	"github.com/nerrad567/graygate/internal/metadata"
)

// RequestContext is what a handler knows about the request it serves.
// It is built once authentication has succeeded and is never modified.
type RequestContext struct {
	Identity  auth.Identity
	Headers   http.Header
	Method    string
	Query     url.Values
	Params    map[string]string
	RequestID string
	SourceIP  string
	// Schema is the cache snapshot taken at admission. Handlers that change
	// metadata go through the metadata executor instead.
	Schema metadata.Snapshot

	server *Server
}

// Cache returns the schema cache value of the snapshot.
func (rc *RequestContext) Cache() *metadata.SchemaCache {
	return rc.Schema.Value
}

// Handler is one of the three request shapes built by NoBody, BodyFirst and
// ParseThenAuthenticate. The pipeline switches on the concrete type.
type Handler interface {
	handler()
}

// NoBodyFunc serves a request that carries no payload.
type NoBodyFunc func(ctx context.Context, rc *RequestContext) (Result, error)

type noBody struct {
	fn NoBodyFunc
}

func (noBody) handler() {}

// NoBody builds a handler that ignores the request body.
func NoBody(fn NoBodyFunc) Handler {
	return noBody{fn: fn}
}

// bodyFirst authenticates, then decodes. decode and run are closed over the
// body type so the pipeline does not need to be generic.
type bodyFirst struct {
	decode func(body []byte) (any, error)
	run    func(ctx context.Context, rc *RequestContext, body any) (Result, error)
}

func (bodyFirst) handler() {}

// BodyFirst builds a handler that receives the JSON body decoded as T.
// Authentication happens before the body is decoded.
func BodyFirst[T any](fn func(ctx context.Context, rc *RequestContext, body T) (Result, error)) Handler {
	return bodyFirst{
		decode: func(body []byte) (any, error) {
			return decodeBody[T](body)
		},
		run: func(ctx context.Context, rc *RequestContext, body any) (Result, error) {
			return fn(ctx, rc, body.(T))
		},
	}
}

// GraphQLFunc serves a decoded GraphQL request.
type GraphQLFunc func(ctx context.Context, rc *RequestContext, req *gql.BatchedRequest) (Result, error)

type parseThenAuthenticate struct {
	fn GraphQLFunc
}

func (parseThenAuthenticate) handler() {}

// ParseThenAuthenticate builds a handler for GraphQL over HTTP. The body is
// decoded first so the authenticator can see the operations.
func ParseThenAuthenticate(fn GraphQLFunc) Handler {
	return parseThenAuthenticate{fn: fn}
}

// emptyBody is implemented by body types for which a missing body means
// the zero value.
type emptyBody interface {
	allowsEmptyBody()
}

func decodeBody[T any](body []byte) (T, error) {
	var v T
	if len(bytes.TrimSpace(body)) == 0 {
		if _, ok := any(&v).(emptyBody); ok {
			return v, nil
		}
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, decodeError(err)
	}
	return v, nil
}

func decodeGraphQL(body []byte) (*gql.BatchedRequest, error) {
	var req gql.BatchedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, decodeError(err)
	}
	return &req, nil
}

// decodeError separates bodies that are not JSON at all from JSON of the
// wrong shape.
func decodeError(err error) *apierr.Error {
	var (
		syntax *json.SyntaxError
		typ    *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &syntax), errors.Is(err, io.ErrUnexpectedEOF):
		return apierr.Decode(apierr.CodeInvalidJSON, "invalid json: "+err.Error()).Wrap(err)
	case errors.As(err, &typ):
		e := apierr.Decode(apierr.CodeParseFailed,
			"expected "+typ.Type.String()+", encountered "+typ.Value).Wrap(err)
		if typ.Field != "" {
			e = e.WithPath("$." + typ.Field)
		}
		return e
	default:
		return apierr.Decode(apierr.CodeParseFailed, strings.TrimPrefix(err.Error(), "gql: ")).Wrap(err)
	}
}
