package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tvgrid/pairgate/pkg/protocol"
)

// MethodHandler processes a single method request.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter maps method names to handlers.
type MethodRouter struct {
	handlers map[string]MethodHandler
	server   *Server
}

func NewMethodRouter(server *Server) *MethodRouter {
	r := &MethodRouter{
		handlers: make(map[string]MethodHandler),
		server:   server,
	}
	r.registerDefaults()
	return r
}

// Register adds a method handler.
func (r *MethodRouter) Register(method string, handler MethodHandler) {
	r.handlers[method] = handler
}

// Handle dispatches a request to the appropriate handler. The first
// request on a connection must be pair.auth.
func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	handler, ok := r.handlers[req.Method]
	if !ok {
		slog.Warn("unknown method", "method", req.Method, "client", client.id)
		client.SendResponse(protocol.NewErrorResponse(
			req.ID,
			protocol.ErrInvalidRequest,
			"unknown method: "+req.Method,
		))
		return
	}

	if req.Method != protocol.MethodPairAuth && !client.authed {
		client.SendResponse(protocol.NewErrorResponse(
			req.ID,
			protocol.ErrUnauthorized,
			"first request must be 'pair.auth'",
		))
		return
	}

	slog.Debug("handling method", "method", req.Method, "client", client.id, "req_id", req.ID)
	handler(ctx, client, req)
}

func (r *MethodRouter) registerDefaults() {
	r.Register(protocol.MethodPairAuth, r.handlePairAuth)
	r.Register(protocol.MethodPing, r.handlePing)
}

// --- Built-in handlers ---

func (r *MethodRouter) handlePairAuth(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params protocol.AuthParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			client.sendError(req.ID, protocol.ErrInvalidRequest, "malformed auth params: "+err.Error())
			return
		}
	}

	if params.Version != protocol.ProtocolVersion {
		client.sendError(req.ID, protocol.ErrInvalidRequest, "unsupported protocol version")
		return
	}
	if params.Token == "" {
		client.sendError(req.ID, protocol.ErrInvalidRequest, "missing pairing token")
		return
	}

	client.mu.Lock()
	already := client.authed
	client.mu.Unlock()
	if already {
		// Repeat auth on a live session is a no-op; the session ignores it.
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"status": "accepted"}))
		return
	}

	r.server.admitAuth(ctx, client, req.ID, params.Token)
}

func (r *MethodRouter) handlePing(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"status": "ok",
	}))
}
