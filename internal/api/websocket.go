package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/auth"
	"github.com/nerrad567/graygate/internal/gql"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/infrastructure/logging"
	"github.com/nerrad567/graygate/internal/infrastructure/tracing"
	"github.com/nerrad567/graygate/internal/metrics"
)

// WSSubprotocol is the only GraphQL over WebSocket protocol spoken.
const WSSubprotocol = "graphql-transport-ws"

// graphql-transport-ws message types.
const (
	wsConnectionInit = "connection_init"
	wsConnectionAck  = "connection_ack"
	wsPing           = "ping"
	wsPong           = "pong"
	wsSubscribe      = "subscribe"
	wsNext           = "next"
	wsError          = "error"
	wsComplete       = "complete"
)

// graphql-transport-ws close codes.
const (
	closeBadRequest       = 4400
	closeUnauthorized     = 4401
	closeForbidden        = 4403
	closeInitTimeout      = 4408
	closeSubscriberExists = 4409
	closeTooManyInit      = 4429
	closeInternalError    = 4500
)

const (
	// wsSendBufferSize is the per-connection outbound message buffer size.
	wsSendBufferSize = 256

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
	defaultInitTimeout  = 3 * time.Second

	// wsRoute labels WebSocket operations in logs and metrics.
	wsRoute = "/v1/graphql (ws)"
	// LogTypeWebSocket tags the per-operation log record.
	LogTypeWebSocket = "websocket-log"
)

// wsMessage is a graphql-transport-ws frame.
type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// initPayload is the connection_init payload. Its headers are merged over
// the upgrade request headers before authentication.
type initPayload struct {
	Headers map[string]string `json:"headers"`
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{WSSubprotocol},
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// Hub tracks open WebSocket connections so they can be counted and closed
// on shutdown.
type Hub struct {
	logger  *logging.Logger
	clients map[*wsConn]struct{}
	mu      sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*wsConn]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// unregister removes a client. Only the goroutine that removes the client
// from the map closes its send channel.
func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		delete(h.clients, c)
	}
}

// wsConn is one graphql-transport-ws connection.
type wsConn struct {
	hub    *Hub
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	sourceIP string
	// traceCtx carries the trace context of the upgrade request; every
	// operation span is its child.
	traceCtx context.Context
	// ctx ends with the connection.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	headers  http.Header
	identity *auth.Identity
	initSeen bool
	ops      map[string]context.CancelFunc
}

// handleWebSocket upgrades GET /v1/graphql. The caller is authenticated on
// connection_init, not on upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, apierr.New(apierr.KindNotFound, apierr.CodeNotFound, http.StatusMethodNotAllowed,
			"GET /v1/graphql requires a websocket upgrade"))
		return
	}
	if !slices.Contains(websocket.Subprotocols(r), WSSubprotocol) {
		writeError(w, apierr.BadRequest(apierr.CodeBadRequest,
			"unsupported websocket subprotocol, expected "+WSSubprotocol))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		hub:      s.hub,
		server:   s,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		sourceIP: sourceIP(r),
		traceCtx: tracing.Extract(context.WithoutCancel(r.Context()), r.Header),
		ctx:      ctx,
		cancel:   cancel,
		headers:  r.Header.Clone(),
		ops:      make(map[string]context.CancelFunc),
	}

	s.hub.register(c)

	cfg := s.cfg.WebSocket
	go c.writePump(cfg)
	go c.readPump(cfg)
	go c.awaitInit(durationOr(cfg.InitTimeout, defaultInitTimeout))
}

// readPump reads messages from the WebSocket connection.
func (c *wsConn) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.cancel()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	pingInterval := durationOr(cfg.PingInterval, defaultPingInterval)
	pongWait := durationOr(cfg.PongTimeout, defaultPongTimeout)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *wsConn) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(durationOr(cfg.PingInterval, defaultPingInterval))
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := durationOr(cfg.PongTimeout, defaultPongTimeout)

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// awaitInit closes connections that do not send connection_init in time.
func (c *wsConn) awaitInit(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		c.mu.Lock()
		seen := c.initSeen
		c.mu.Unlock()
		if !seen {
			c.closeWith(closeInitTimeout, "Connection initialisation timeout")
		}
	case <-c.ctx.Done():
	}
}

// handleMessage processes an incoming frame. A panic closes the connection
// with 4500; the gateway keeps serving.
func (c *wsConn) handleMessage(data []byte) {
	defer func() {
		if p := recover(); p != nil {
			c.server.logger.ForType(LogTypeWebSocket).Error("panic recovered in websocket handler",
				"error", p,
				"source_ip", c.sourceIP,
				"stack", string(debug.Stack()),
			)
			c.closeWith(closeInternalError, "Internal server error")
		}
	}()

	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		c.closeWith(closeBadRequest, "Invalid message received")
		return
	}

	switch msg.Type {
	case wsConnectionInit:
		c.handleInit(msg)
	case wsPing:
		c.sendMessage(wsMessage{Type: wsPong, Payload: msg.Payload})
	case wsPong:
	case wsSubscribe:
		c.handleSubscribe(msg)
	case wsComplete:
		c.stop(msg.ID)
	default:
		c.closeWith(closeBadRequest, fmt.Sprintf("Invalid message type %q", msg.Type))
	}
}

// handleInit authenticates the connection with the upgrade headers
// overridden by the connection_init payload headers.
func (c *wsConn) handleInit(msg wsMessage) {
	c.mu.Lock()
	if c.initSeen {
		c.mu.Unlock()
		c.closeWith(closeTooManyInit, "Too many initialisation requests")
		return
	}
	c.initSeen = true
	headers := c.headers.Clone()
	c.mu.Unlock()

	var p initPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.closeWith(closeBadRequest, "Invalid connection_init payload")
			return
		}
	}
	for name, value := range p.Headers {
		headers.Set(name, value)
	}

	id, _, err := c.server.auth.Resolve(c.ctx, auth.Request{Headers: headers})
	if err != nil {
		c.server.logger.ForType(LogTypeWebSocket).Warn("websocket authentication failed",
			"source_ip", c.sourceIP,
			"error", apierr.From(err).Document(true),
		)
		c.closeWith(closeForbidden, "Forbidden")
		return
	}

	c.mu.Lock()
	c.identity = &id
	c.headers = headers
	c.mu.Unlock()
	c.sendMessage(wsMessage{Type: wsConnectionAck})
}

// handleSubscribe starts an operation in its own goroutine.
func (c *wsConn) handleSubscribe(msg wsMessage) {
	c.mu.Lock()
	identity, headers := c.identity, c.headers
	switch {
	case identity == nil:
		c.mu.Unlock()
		c.closeWith(closeUnauthorized, "Unauthorized")
		return
	case msg.ID == "":
		c.mu.Unlock()
		c.closeWith(closeBadRequest, "subscribe requires an id")
		return
	}
	if _, dup := c.ops[msg.ID]; dup {
		c.mu.Unlock()
		c.closeWith(closeSubscriberExists, fmt.Sprintf("Subscriber for %s already exists", msg.ID))
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.ops[msg.ID] = cancel
	c.mu.Unlock()

	go func() {
		defer c.stop(msg.ID)
		c.runOperation(ctx, msg.ID, msg.Payload, *identity, headers)
	}()
}

// stop cancels an operation. Unknown ids are ignored.
func (c *wsConn) stop(id string) {
	c.mu.Lock()
	cancel, ok := c.ops[id]
	delete(c.ops, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// runOperation executes one query or mutation and reports it with
// next+complete or error, then emits one log record.
func (c *wsConn) runOperation(ctx context.Context, opID string, payload json.RawMessage, identity auth.Identity, headers http.Header) {
	s := c.server
	started := time.Now()
	requestID := uuid.NewString()

	ctx = trace.ContextWithSpanContext(ctx, trace.SpanContextFromContext(c.traceCtx))
	ctx, span := tracing.Tracer().Start(ctx, "websocket "+wsSubscribe,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("request_id", requestID),
			attribute.String("operation_id", opID),
		))
	defer span.End()

	rc := &RequestContext{
		Identity:  identity,
		Headers:   headers,
		Method:    http.MethodPost,
		RequestID: requestID,
		SourceIP:  c.sourceIP,
		server:    s,
	}
	out, op, err := c.execute(ctx, rc, payload)

	switch {
	case ctx.Err() != nil:
		// Completed by the client or the connection went away; nothing is sent.
		if err == nil {
			err = apierr.Handler(apierr.CodeBadRequest, http.StatusBadRequest, "operation cancelled").Wrap(ctx.Err())
		}
	case err != nil:
		c.sendMessage(wsMessage{ID: opID, Type: wsError,
			Payload: mustMarshal(graphQLErrorList(apierr.From(err), s.exposeInternal(&identity)))})
	default:
		c.sendMessage(wsMessage{ID: opID, Type: wsNext, Payload: out})
		c.sendMessage(wsMessage{ID: opID, Type: wsComplete})
	}

	attrs := []any{
		"request_id", requestID,
		"operation_id", opID,
		"role", identity.Role,
		"source_ip", c.sourceIP,
		"service_time", time.Since(started).Seconds(),
		"response_size", len(out),
	}
	if op.Type != "" {
		attrs = append(attrs, "operations", s.loggedOperations([]gql.Operation{op}))
	}

	obs := metrics.Observation{
		Route:         wsRoute,
		Method:        "WS",
		Status:        http.StatusOK,
		Role:          string(identity.Role),
		Duration:      time.Since(started),
		RequestBytes:  len(payload),
		ResponseBytes: len(out),
		Time:          time.Now(),
	}

	log := s.logger.ForType(LogTypeWebSocket)
	if err != nil {
		aerr := apierr.From(err)
		obs.Status = ErrorStatus(aerr)
		obs.ErrorCode = string(aerr.Code)
		span.SetStatus(codes.Error, aerr.Message)
		log.Warn("operation failed", append(attrs, "error", aerr.Document(true))...)
	} else {
		log.Info("operation completed", attrs...)
	}
	s.metrics.Observe(obs)
}

// execute decodes, admits and forwards one operation. A panic becomes an
// unexpected error reported on the operation.
func (c *wsConn) execute(ctx context.Context, rc *RequestContext, payload json.RawMessage) (out json.RawMessage, op gql.Operation, err error) {
	s := c.server
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("panic recovered in websocket operation",
				"error", p,
				"request_id", rc.RequestID,
				"stack", string(debug.Stack()),
			)
			out, err = nil, apierr.Internal(fmt.Errorf("panic: %v", p))
		}
	}()

	var req gql.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, gql.Operation{}, decodeError(err)
	}
	op, err = gql.ParseOperation(req)
	if err != nil {
		return nil, gql.Operation{Name: req.OperationName}, apierr.Handler(apierr.CodeValidationFailed,
			http.StatusBadRequest, err.Error()).Wrap(err)
	}
	if op.Type == gql.Subscription {
		return nil, op, apierr.Handler(apierr.CodeNotSupported, http.StatusBadRequest,
			"subscriptions are not supported")
	}

	if _, err := s.rateLimit.Check(ctx, string(rc.Identity.Role), rateSubject(rc)); err != nil {
		return nil, op, err
	}
	lease, err := s.limiter.Admit()
	if err != nil {
		return nil, op, err
	}
	defer lease.Release()

	rc.Schema = s.cell.Snapshot()
	batch := gql.Single(req)
	if err := s.checkAllowlist(rc, batch); err != nil {
		return nil, op, err
	}
	call, err := s.upstreamCall(rc)
	if err != nil {
		return nil, op, err
	}
	out, err = s.upstream.Execute(ctx, call, batch)
	return out, op, err
}

// sendMessage queues a frame for writePump.
func (c *wsConn) sendMessage(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected)
// and full buffers (slow client).
func (c *wsConn) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("websocket send buffer full, dropping message")
	}
}

// closeWith sends a close frame and closes the connection. readPump then
// unregisters the client.
func (c *wsConn) closeWith(code int, text string) {
	//nolint:errcheck // Best-effort close frame; the peer may be gone
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second))
	c.conn.Close()
}

func durationOr(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}
