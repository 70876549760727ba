package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/auth"
	"github.com/nerrad567/graygate/internal/gql"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/infrastructure/tracing"
	"github.com/nerrad567/graygate/internal/metrics"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-Id"

// LogTypeHTTP tags the per-request log record.
const LogTypeHTTP = "http-log"

// exchange collects what is known about one request as it moves through the
// pipeline. It is owned by the request goroutine.
type exchange struct {
	route     *Route
	requestID string
	sourceIP  string

	// identity is nil until authentication succeeds.
	identity   *auth.Identity
	authHeader http.Header

	// query is the decoded body, attached to failure logs.
	query      any
	operations []gql.Operation

	readTime     time.Duration
	serviceTime  time.Duration
	requestBytes int
}

// serve runs one request through the pipeline:
//
//  1. read the body
//  2. take the request id and trace context, start the span
//  3. authenticate and decode in the order the handler kind requires
//  4. admit, then run the handler against a cache snapshot
//  5. write the response and emit one http-log record
func (s *Server) serve(rt Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		body, readErr := io.ReadAll(r.Body)
		ex := &exchange{
			route:        &rt,
			sourceIP:     sourceIP(r),
			readTime:     time.Since(started),
			requestBytes: len(body),
		}

		ex.requestID = r.Header.Get(HeaderRequestID)
		if ex.requestID == "" {
			ex.requestID = uuid.NewString()
		}

		ctx := tracing.Extract(r.Context(), r.Header)
		ctx, span := tracing.Tracer().Start(ctx, rt.spanName(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("request_id", ex.requestID),
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.HTTPRoute(rt.Pattern),
				semconv.URLPath(r.URL.Path),
			))
		defer span.End()

		var (
			res Result
			err error
		)
		if readErr != nil {
			err = bodyReadError(readErr)
		} else {
			serviceStart := time.Now()
			res, err = s.dispatch(ctx, ex, r, body)
			ex.serviceTime = time.Since(serviceStart)
		}

		out := s.respond(w, r, ex, res, err)

		span.SetAttributes(semconv.HTTPResponseStatusCode(out.status))
		if out.err != nil {
			span.SetAttributes(attribute.String("error.code", string(out.err.Code)))
			span.SetStatus(codes.Error, out.err.Message)
		}
		s.logRequest(ctx, r, ex, out)
	})
}

// dispatch is the single switch over handler kinds. Any panic raised while
// serving becomes an unexpected error.
func (s *Server) dispatch(ctx context.Context, ex *exchange, r *http.Request, body []byte) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("panic recovered in HTTP handler",
				"error", p,
				"request_id", ex.requestID,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			res, err = Result{}, apierr.Internal(fmt.Errorf("panic: %v", p))
		}
	}()

	areq := auth.Request{Headers: r.Header}

	switch h := ex.route.Handler.(type) {
	case noBody:
		if err := s.authenticate(ctx, ex, areq); err != nil {
			return Result{}, err
		}
		return s.execute(ctx, ex, r, h.fn)

	case bodyFirst:
		if err := s.authenticate(ctx, ex, areq); err != nil {
			return Result{}, err
		}
		v, err := h.decode(body)
		if err != nil {
			return Result{}, err
		}
		ex.query = v
		return s.execute(ctx, ex, r, func(ctx context.Context, rc *RequestContext) (Result, error) {
			return h.run(ctx, rc, v)
		})

	case parseThenAuthenticate:
		req, err := decodeGraphQL(body)
		if err != nil {
			// The identity is wanted for the log record only.
			_ = s.authenticate(ctx, ex, areq) //nolint:errcheck // decode error takes precedence
			return Result{}, err
		}
		ex.query = req
		ex.operations = req.Operations()
		areq.GraphQL = req
		if err := s.authenticate(ctx, ex, areq); err != nil {
			return Result{}, err
		}
		return s.execute(ctx, ex, r, func(ctx context.Context, rc *RequestContext) (Result, error) {
			return h.fn(ctx, rc, req)
		})

	default:
		return Result{}, apierr.Internal(fmt.Errorf("api: unknown handler kind %T", h))
	}
}

// authenticate resolves the caller. Public routes skip it.
func (s *Server) authenticate(ctx context.Context, ex *exchange, req auth.Request) error {
	if ex.route.Public {
		return nil
	}
	id, header, err := s.auth.Resolve(ctx, req)
	if err != nil {
		return err
	}
	ex.identity = &id
	ex.authHeader = header
	return nil
}

// execute applies the role checks, admits the request and runs fn. The
// handler context is detached from client cancellation: admitted work runs
// to completion.
func (s *Server) execute(ctx context.Context, ex *exchange, r *http.Request, fn NoBodyFunc) (Result, error) {
	rc := &RequestContext{
		Headers:   r.Header,
		Method:    r.Method,
		Query:     r.URL.Query(),
		Params:    routeParams(r),
		RequestID: ex.requestID,
		SourceIP:  ex.sourceIP,
		server:    s,
	}

	if !ex.route.Public {
		rc.Identity = *ex.identity
		if ex.route.AdminOnly && !rc.Identity.IsAdmin() {
			return Result{}, apierr.AccessDenied("restricted access : admin only")
		}

		header, err := s.rateLimit.Check(ctx, string(rc.Identity.Role), rateSubject(rc))
		ex.authHeader = mergeHeader(ex.authHeader, header)
		if err != nil {
			return Result{}, err
		}

		lease, err := s.limiter.Admit()
		if err != nil {
			return Result{}, err
		}
		defer lease.Release()
	}

	rc.Schema = s.cell.Snapshot()
	return fn(context.WithoutCancel(ctx), rc)
}

// outcome is what was written to the client.
type outcome struct {
	status         int
	bodyBytes      int
	wireBytes      int
	contentEncoded string
	err            *apierr.Error
}

// respond writes the single response of the request. Headers are applied in
// a fixed order so that later groups win on collisions: request id, content
// encoding, handler headers, then authentication headers.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, ex *exchange, res Result, err error) outcome {
	var (
		out           outcome
		body          []byte
		contentType   string
		handlerHeader http.Header
	)

	if err == nil {
		body, err = res.body()
		if err != nil {
			err = apierr.Internal(fmt.Errorf("encoding response: %w", err))
		}
	}

	if err != nil {
		out.err = apierr.From(err)
		body = ex.route.errorEncoder()(out.err, s.exposeInternal(ex.identity))
		out.status = ex.route.statusModifier()(out.err)
		contentType = contentTypeJSON
	} else {
		out.status = res.status()
		contentType = res.contentType
		handlerHeader = res.Header
	}
	out.bodyBytes = len(body)

	if s.shouldCompress(r, body) {
		if compressed, cerr := gzipBytes(body); cerr == nil {
			body = compressed
			out.contentEncoded = encodingGzip
		} else {
			s.logger.Warn("response compression failed", "request_id", ex.requestID, "error", cerr)
		}
	}
	out.wireBytes = len(body)

	h := w.Header()
	h.Set(HeaderRequestID, ex.requestID)
	if out.contentEncoded != "" {
		h.Set("Content-Encoding", out.contentEncoded)
		h.Add("Vary", "Accept-Encoding")
	}
	h.Set("Content-Type", contentType)
	overlayHeader(h, handlerHeader)
	overlayHeader(h, ex.authHeader)

	w.WriteHeader(out.status)
	//nolint:errcheck // Best-effort write; the client may have gone away
	w.Write(body)
	return out
}

// exposeInternal decides whether internal error detail reaches the caller.
func (s *Server) exposeInternal(id *auth.Identity) bool {
	return s.cfg.Modes.ExposeInternalErrors(id != nil && id.IsAdmin())
}

// logRequest emits the http-log record and records the observation.
func (s *Server) logRequest(ctx context.Context, r *http.Request, ex *exchange, out outcome) {
	attrs := []any{
		"request_id", ex.requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"route", ex.route.Pattern,
		"status", out.status,
		"source_ip", ex.sourceIP,
		"request_read_time", ex.readTime.Seconds(),
		"service_time", ex.serviceTime.Seconds(),
		"request_size", ex.requestBytes,
		"response_size", out.bodyBytes,
	}
	if out.contentEncoded != "" {
		attrs = append(attrs, "content_encoding", out.contentEncoded, "wire_size", out.wireBytes)
	}

	role := ""
	if ex.identity != nil {
		role = string(ex.identity.Role)
		attrs = append(attrs, "role", role, "session_variables", ex.identity.Session)
	}
	if ops := s.loggedOperations(ex.operations); len(ops) > 0 {
		attrs = append(attrs, "operations", ops)
	}

	level := slog.LevelInfo
	msg := "request completed"
	code := ""
	if out.err != nil {
		msg = "request failed"
		code = string(out.err.Code)
		level = slog.LevelWarn
		if out.err.Kind == apierr.KindInternal {
			level = slog.LevelError
		}
		attrs = append(attrs,
			"error_kind", out.err.Kind.String(),
			"error", out.err.Document(true),
		)
		if out.err.Err != nil {
			attrs = append(attrs, "cause", out.err.Err.Error())
		}
		if ex.query != nil {
			attrs = append(attrs, "query", ex.query)
		}
	}
	s.httpLog.Log(ctx, level, msg, attrs...)

	s.metrics.Observe(metrics.Observation{
		Route:         ex.route.Pattern,
		Method:        r.Method,
		Status:        out.status,
		Role:          role,
		ErrorCode:     code,
		Duration:      ex.readTime + ex.serviceTime,
		RequestBytes:  ex.requestBytes,
		ResponseBytes: out.wireBytes,
		Time:          time.Now(),
	})
}

// loggedOperations drops operation names unless the feature asks for them.
func (s *Server) loggedOperations(ops []gql.Operation) []gql.Operation {
	if len(ops) == 0 || s.cfg.Features.Enabled(config.FeatureOperationNames) {
		return ops
	}
	out := make([]gql.Operation, len(ops))
	for i, op := range ops {
		out[i] = gql.Operation{Type: op.Type}
	}
	return out
}

func bodyReadError(err error) *apierr.Error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apierr.New(apierr.KindDecode, apierr.CodeBadRequest, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)).Wrap(err)
	}
	return apierr.Decode(apierr.CodeBadRequest, "failed to read request body").Wrap(err)
}

// rateSubject keys the rate limit by user id when the session has one.
func rateSubject(rc *RequestContext) string {
	if id, ok := rc.Identity.Session.Get("x-hasura-user-id"); ok && id != "" {
		return id
	}
	return rc.SourceIP
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// overlayHeader replaces dst's values for every name present in src.
func overlayHeader(dst, src http.Header) {
	for name, values := range src {
		dst.Del(name)
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func mergeHeader(dst, src http.Header) http.Header {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = http.Header{}
	}
	overlayHeader(dst, src)
	return dst
}
