// Package gateway terminates device pairing WebSockets and runs the
// admission pipeline in front of each session: connection caps, layered
// rate limits, and the global admission controller, in that order. Every
// rejection carries a typed close code and a retry hint so firmware can
// back off instead of hammering.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tvgrid/pairgate/internal/admission"
	"github.com/tvgrid/pairgate/internal/backoff"
	"github.com/tvgrid/pairgate/internal/ratelimit"
	"github.com/tvgrid/pairgate/internal/session"
	"github.com/tvgrid/pairgate/internal/token"
	"github.com/tvgrid/pairgate/pkg/protocol"
)

// MaxIdentityLength caps the device identity header.
const MaxIdentityLength = 255

// Deps are the admission collaborators the server wires per connection.
type Deps struct {
	Limiter *ratelimit.Limiter

	// Profiles supplies the current limit profiles. Read per attempt so
	// a config hot reload takes effect without a restart.
	Profiles func() ratelimit.Profiles

	Admission   *admission.Controller
	Conns       *ConnCounter
	Tokens      token.Store
	Retries     *backoff.Calculator
	Session     session.Config
	SessionDeps session.Deps

	// LoadRatio supplies current load over baseline for limit scaling
	// and degradation levels.
	LoadRatio func() float64

	// ReconnectGrace is how long after a validated token's expiry a
	// device still counts as reconnecting rather than freshly pairing.
	ReconnectGrace time.Duration
}

// Server owns the pairing endpoint and all live clients.
type Server struct {
	deps     Deps
	router   *MethodRouter
	upgrader websocket.Upgrader
	sessCfg  session.Config

	mu      sync.Mutex
	clients map[string]*Client
}

// NewServer creates the gateway server.
func NewServer(deps Deps) *Server {
	if deps.ReconnectGrace <= 0 {
		deps.ReconnectGrace = 5 * time.Minute
	}
	if deps.LoadRatio == nil {
		deps.LoadRatio = func() float64 { return 0 }
	}
	if deps.Profiles == nil {
		defaults := ratelimit.DefaultProfiles()
		deps.Profiles = func() ratelimit.Profiles { return defaults }
	}
	s := &Server{
		deps:    deps,
		sessCfg: deps.Session,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Device firmware sends no browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
	s.router = NewMethodRouter(s)
	return s
}

// Handler returns the HTTP mux for the pairing endpoint and health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/pair", s.HandlePair)
	mux.HandleFunc("/healthz", s.HandleHealth)
	return mux
}

// HandlePair upgrades the connection and drives the session to a
// terminal state. Connection caps are checked after the upgrade so the
// device gets a typed close code instead of a bare HTTP status.
func (s *Server) HandlePair(w http.ResponseWriter, r *http.Request) {
	identity := extractIdentity(r)
	if identity == "" {
		http.Error(w, "missing device identity", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	if err := s.deps.Conns.Acquire(r.Context(), identity); err != nil {
		var retryAfter time.Duration
		reason := "connection limit"
		if capErr, ok := err.(*CapExceededError); ok {
			retryAfter = capErr.RetryAfter
			reason = "connection limit: " + capErr.Scope
		}
		closeConn(conn, protocol.CloseConnectionLimit, reason, retryAfter)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := newClient(conn, s, identity)
	sess := session.New(client.id, identity, s.sessCfg, s.deps.SessionDeps, client)
	client.sess = sess

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	slog.Info("pairing connection opened", "client", client.id, "identity", identity, "remote", r.RemoteAddr)

	go client.run(ctx, cancel)
	final := sess.Run(ctx)

	client.releaseAdmissionNow()
	s.deps.Conns.Release(context.Background(), identity)
	if final == session.StateDelivering {
		s.deps.Retries.Reset(identity)
	}

	s.mu.Lock()
	delete(s.clients, client.id)
	s.mu.Unlock()

	slog.Info("pairing connection done", "client", client.id, "identity", identity, "state", final)
}

// admitAuth runs the admission pipeline for one pair.auth request:
// reconnect detection, layered rate limits under the current load
// profile, then the global admission controller. On success the token is
// handed to the session.
func (s *Server) admitAuth(ctx context.Context, client *Client, reqID, tokenID string) {
	now := time.Now()
	identity := client.identity

	// Reconnect detection: a token that reached validated status and
	// expired within the grace window marks a device re-pairing after an
	// outage, not an attacker. Store trouble here means no claim.
	reconnect := false
	if tok, err := s.deps.Tokens.Get(ctx, tokenID); err == nil {
		reconnect = tok.RecentlyValidated(now, s.deps.ReconnectGrace)
	}

	ratio := s.deps.LoadRatio()
	prof := s.deps.Profiles().Select(reconnect).Effective(ratio)

	checks := []ratelimit.Check{
		{Name: "identity", Key: "id:" + identity, Window: &prof.PerIdentity},
		{Name: "token", Key: "tok:" + tokenID, Window: &prof.PerToken},
		{Name: "client", Key: "cli:" + remoteHost(client.conn), Bucket: &prof.PerClient},
	}
	decision, layer, err := s.deps.Limiter.CheckAll(ctx, checks)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(reqID, protocol.ErrUnavailable, "admission check failed"))
		client.CloseWith(protocol.CloseAdmissionReject, "admission check failed", 5*time.Second)
		return
	}
	if !decision.Allowed {
		retry := maxDuration(decision.RetryAfter, s.deps.Retries.Next(identity))
		// A denied reconnection under heavy load is an overload signal,
		// not misbehavior: report it as such so the device backs off the
		// same way it would for an admission reject.
		if reconnect && s.deps.Admission.Level() >= admission.LevelHigh {
			slog.Info("reconnect throttled under load", "client", client.id, "identity", identity, "layer", layer, "retry_after", retry)
			client.SendResponse(protocol.NewRetryableError(reqID, protocol.ErrResourceExhausted,
				"system overloaded", retry.Milliseconds()))
			client.CloseWith(protocol.CloseAdmissionReject, "system overloaded", retry)
			return
		}
		slog.Info("rate limited", "client", client.id, "identity", identity, "layer", layer, "retry_after", retry)
		client.SendResponse(protocol.NewRetryableError(reqID, protocol.ErrRateLimited,
			"rate limited: "+layer, retry.Milliseconds()))
		client.CloseWith(protocol.CloseRateLimited, "rate limited: "+layer, retry)
		return
	}

	prio := admission.PriorityLow
	if reconnect {
		prio = admission.PriorityHigh
	}

	admitStart := time.Now()
	lease, err := s.deps.Admission.Admit(ctx, identity, prio)
	if err != nil {
		if rej, ok := err.(*admission.RejectedError); ok {
			retry := maxDuration(rej.RetryAfter, s.deps.Retries.Next(identity))
			slog.Info("admission rejected", "client", client.id, "identity", identity, "reason", rej.Reason, "retry_after", retry)
			client.SendResponse(protocol.NewRetryableError(reqID, protocol.ErrResourceExhausted,
				rej.Reason, retry.Milliseconds()))
			client.CloseWith(protocol.CloseAdmissionReject, rej.Reason, retry)
			return
		}
		// Context cancelled: the client is gone, nothing to say.
		return
	}

	var once sync.Once
	client.setReleaseAdmission(func() {
		once.Do(func() {
			s.deps.Admission.Release(context.Background(), lease)
			s.deps.Admission.ObserveLatency(time.Since(admitStart))
		})
	})

	// Charge the fixed windows only after admission: a request shed by
	// the controller costs the device nothing.
	if err := s.deps.Limiter.IncrWindow(ctx, "id:"+identity, prof.PerIdentity); err != nil {
		slog.Debug("window charge failed", "key", "id:"+identity, "error", err)
	}
	if err := s.deps.Limiter.IncrWindow(ctx, "tok:"+tokenID, prof.PerToken); err != nil {
		slog.Debug("window charge failed", "key", "tok:"+tokenID, "error", err)
	}

	client.mu.Lock()
	client.authed = true
	client.mu.Unlock()

	client.SendResponse(protocol.NewOKResponse(reqID, map[string]interface{}{
		"status": "accepted",
	}))
	client.sess.Authenticate(tokenID)
}

// HandleHealth reports degradation level and live counters.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	live, err := s.deps.Admission.Live(r.Context())
	status := "ok"
	if err != nil {
		status = "degraded"
	}

	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      status,
		"degradation": s.deps.Admission.Level().String(),
		"leases":      live,
		"clients":     clients,
	})
}

// extractIdentity pulls the device identity from the request. Header
// first, query fallback for firmware stacks that cannot set headers
// during a WebSocket upgrade.
func extractIdentity(r *http.Request) string {
	id := r.Header.Get("X-Pairgate-Device-Id")
	if id == "" {
		id = r.URL.Query().Get("device_id")
	}
	if len(id) > MaxIdentityLength {
		slog.Warn("device identity too long", "length", len(id), "max", MaxIdentityLength)
		return ""
	}
	return id
}

func remoteHost(conn *websocket.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func closeConn(conn *websocket.Conn, code int, reason string, retryAfter time.Duration) {
	cr := protocol.CloseReason{Code: code, Reason: reason, RetryAfter: int64(retryAfter / time.Second)}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(cr.Code, cr.Text()))
	conn.Close()
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
