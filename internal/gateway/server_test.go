package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tvgrid/pairgate/internal/admission"
	"github.com/tvgrid/pairgate/internal/backoff"
	"github.com/tvgrid/pairgate/internal/breaker"
	"github.com/tvgrid/pairgate/internal/coord"
	"github.com/tvgrid/pairgate/internal/credentials"
	"github.com/tvgrid/pairgate/internal/ratelimit"
	"github.com/tvgrid/pairgate/internal/session"
	"github.com/tvgrid/pairgate/internal/token"
	"github.com/tvgrid/pairgate/pkg/protocol"
)

type testEnv struct {
	store  *coord.MemStore
	tokens *token.MemStore
	http   *httptest.Server
}

type envOptions struct {
	globalCap   int
	identityCap int
	profiles    ratelimit.Profiles
	capacity    int
	loadRatio   float64
}

func defaultEnvOptions() envOptions {
	return envOptions{
		globalCap:   100,
		identityCap: 10,
		profiles:    ratelimit.DefaultProfiles(),
		capacity:    10,
	}
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	store := coord.NewMemStore()
	tokens := token.NewMemStore()
	br := breaker.New(breaker.Config{})

	limiter := ratelimit.New(store, br, ratelimit.FailClosed, nil)
	lat := admission.NewLatencyTracker()
	sem := admission.NewSemaphore(store, br, opts.capacity, admission.FailClosed, lat)
	queue := admission.NewQueue(8, time.Second)
	ctrl := admission.NewController(sem, queue, func() float64 { return 0 })
	ctrl.Start()
	t.Cleanup(ctrl.Stop)

	sessCfg := session.Config{
		PingInterval:            time.Second,
		InactivityTimeout:       5 * time.Second,
		AutoValidationTimeout:   2 * time.Second,
		ManualValidationTimeout: 4 * time.Second,
	}

	srv := NewServer(Deps{
		Limiter:   limiter,
		Profiles:  func() ratelimit.Profiles { return opts.profiles },
		Admission: ctrl,
		Conns:     NewConnCounter(store, br, opts.globalCap, opts.identityCap, ratelimit.FailClosed),
		Tokens:    tokens,
		Retries:   backoff.New(backoff.Config{Base: time.Second, Jitter: false}),
		Session:   sessCfg,
		SessionDeps: session.Deps{
			Tokens:   tokens,
			Creds:    credentials.NewEnvelopeProvider(time.Hour),
			Notifier: session.NewPushNotifier(store),
		},
		LoadRatio:      func() float64 { return opts.loadRatio },
		ReconnectGrace: 5 * time.Minute,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{store: store, tokens: tokens, http: ts}
}

func (e *testEnv) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	conn, err := e.dialErr(identity)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) dialErr(identity string) (*websocket.Conn, error) {
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/v1/pair"
	header := http.Header{"X-Pairgate-Device-Id": []string{identity}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	return conn, err
}

func sendAuth(t *testing.T, conn *websocket.Conn, tokenID string) {
	t.Helper()
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     "r1",
		Method: protocol.MethodPairAuth,
	}
	params, _ := json.Marshal(protocol.AuthParams{Version: protocol.ProtocolVersion, Token: tokenID})
	req.Params = params
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write auth: %v", err)
	}
}

// readUntilClose consumes frames until the server closes, returning the
// frames seen and the close error.
func readUntilClose(t *testing.T, conn *websocket.Conn) ([][]byte, *websocket.CloseError) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var frames [][]byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return frames, closeErr
			}
			t.Fatalf("read: %v", err)
		}
		frames = append(frames, data)
	}
}

func validToken(id string) token.Token {
	return token.Token{
		ID:        id,
		Status:    token.StatusValidated,
		Method:    token.MethodAutomatic,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestPairing_ValidatedTokenDeliversAndCloses(t *testing.T) {
	env := newTestEnv(t, defaultEnvOptions())
	env.tokens.Put(validToken("T1"))

	conn := env.dial(t, "device-1")
	sendAuth(t, conn, "T1")

	frames, closeErr := readUntilClose(t, conn)
	if closeErr.Code != protocol.CloseNormalDelivery {
		t.Fatalf("close code = %d (%s), want %d", closeErr.Code, closeErr.Text, protocol.CloseNormalDelivery)
	}

	var sawAccepted, sawCredentials bool
	for _, data := range frames {
		ft, err := protocol.ParseFrameType(data)
		if err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		switch ft {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			json.Unmarshal(data, &resp)
			if resp.OK {
				sawAccepted = true
			}
		case protocol.FrameTypeEvent:
			var ev struct {
				Event   string `json:"event"`
				Payload struct {
					TokenID string `json:"token_id"`
				} `json:"payload"`
			}
			json.Unmarshal(data, &ev)
			if ev.Event == protocol.EventCredentials {
				sawCredentials = true
				if ev.Payload.TokenID != "T1" {
					t.Errorf("credential token_id = %q, want T1", ev.Payload.TokenID)
				}
			}
		}
	}
	if !sawAccepted {
		t.Error("no accepted auth response seen")
	}
	if !sawCredentials {
		t.Error("no credentials event seen")
	}
}

func TestPairing_PendingTokenParksThenTimesOut(t *testing.T) {
	env := newTestEnv(t, defaultEnvOptions())
	env.tokens.Put(token.Token{
		ID:        "T2",
		Status:    token.StatusPending,
		Method:    token.MethodAutomatic,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	conn := env.dial(t, "device-2")
	sendAuth(t, conn, "T2")

	frames, closeErr := readUntilClose(t, conn)
	if closeErr.Code != protocol.CloseValidationExpiry {
		t.Fatalf("close code = %d (%s), want %d", closeErr.Code, closeErr.Text, protocol.CloseValidationExpiry)
	}

	sawParked := false
	for _, data := range frames {
		var ev protocol.EventFrame
		if json.Unmarshal(data, &ev) == nil && ev.Event == protocol.EventParked {
			sawParked = true
		}
	}
	if !sawParked {
		t.Error("no parked event before the timeout close")
	}
}

func TestPairing_ValidationWhileParkedDelivers(t *testing.T) {
	env := newTestEnv(t, defaultEnvOptions())
	env.tokens.Put(token.Token{
		ID:        "T3",
		Status:    token.StatusPending,
		Method:    token.MethodManual,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	conn := env.dial(t, "device-3")
	sendAuth(t, conn, "T3")

	// Read until the parked event, then validate out of band.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read before park: %v", err)
		}
		var ev protocol.EventFrame
		if json.Unmarshal(data, &ev) == nil && ev.Event == protocol.EventParked {
			break
		}
	}

	env.tokens.SetStatus("T3", token.StatusValidated)
	if err := env.store.Publish(t.Context(), token.ValidatedChannel("T3"), "validated"); err != nil {
		t.Fatal(err)
	}

	frames, closeErr := readUntilClose(t, conn)
	if closeErr.Code != protocol.CloseNormalDelivery {
		t.Fatalf("close code = %d (%s), want %d", closeErr.Code, closeErr.Text, protocol.CloseNormalDelivery)
	}
	sawCredentials := false
	for _, data := range frames {
		var ev protocol.EventFrame
		if json.Unmarshal(data, &ev) == nil && ev.Event == protocol.EventCredentials {
			sawCredentials = true
		}
	}
	if !sawCredentials {
		t.Error("no credentials event after validation")
	}
}

func TestPairing_IdentityConnectionCap(t *testing.T) {
	opts := defaultEnvOptions()
	opts.identityCap = 1
	env := newTestEnv(t, opts)
	env.tokens.Put(token.Token{
		ID:        "T4",
		Status:    token.StatusPending,
		Method:    token.MethodManual,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	first := env.dial(t, "device-4")
	sendAuth(t, first, "T4")
	// Hold the first connection open past its auth.
	time.Sleep(100 * time.Millisecond)

	second := env.dial(t, "device-4")
	_, closeErr := readUntilClose(t, second)
	if closeErr.Code != protocol.CloseConnectionLimit {
		t.Fatalf("close code = %d (%s), want %d", closeErr.Code, closeErr.Text, protocol.CloseConnectionLimit)
	}
	if !strings.Contains(closeErr.Text, "identity") {
		t.Errorf("close reason %q does not name the identity cap", closeErr.Text)
	}

	// A different identity still connects fine.
	other := env.dial(t, "device-5")
	sendAuth(t, other, "T4")
}

func TestPairing_RateLimitDenialCarriesRetryHint(t *testing.T) {
	opts := defaultEnvOptions()
	opts.profiles.Fresh.PerIdentity = ratelimit.WindowLimit{Max: 1, Window: 10 * time.Minute}
	env := newTestEnv(t, opts)
	env.tokens.Put(validToken("T5"))
	env.tokens.Put(validToken("T6"))

	first := env.dial(t, "device-6")
	sendAuth(t, first, "T5")
	if _, closeErr := readUntilClose(t, first); closeErr.Code != protocol.CloseNormalDelivery {
		t.Fatalf("first attempt close = %d, want normal delivery", closeErr.Code)
	}

	second := env.dial(t, "device-6")
	sendAuth(t, second, "T6")
	frames, closeErr := readUntilClose(t, second)
	if closeErr.Code != protocol.CloseRateLimited {
		t.Fatalf("close code = %d (%s), want %d", closeErr.Code, closeErr.Text, protocol.CloseRateLimited)
	}
	if !strings.Contains(closeErr.Text, "retry_after=") {
		t.Errorf("close reason %q carries no retry hint", closeErr.Text)
	}

	sawRetryable := false
	for _, data := range frames {
		var resp protocol.ResponseFrame
		if json.Unmarshal(data, &resp) == nil && resp.Error != nil {
			if resp.Error.Code == protocol.ErrRateLimited && resp.Error.RetryAfterMs > 0 {
				sawRetryable = true
			}
		}
	}
	if !sawRetryable {
		t.Error("no retryable RATE_LIMITED response before close")
	}
}

func TestPairing_GraceExpiredTokenGetsReconnectProfile(t *testing.T) {
	opts := defaultEnvOptions()
	opts.profiles.Fresh.PerIdentity = ratelimit.WindowLimit{Max: 1, Window: 10 * time.Minute}
	env := newTestEnv(t, opts)

	// Validated but expired a minute ago, well inside the 5m grace:
	// attempts with it classify as reconnections.
	graceTok := func(id string) token.Token {
		return token.Token{
			ID:        id,
			Status:    token.StatusValidated,
			Method:    token.MethodAutomatic,
			ExpiresAt: time.Now().Add(-time.Minute),
		}
	}
	env.tokens.Put(graceTok("T20"))
	env.tokens.Put(graceTok("T21"))

	for _, id := range []string{"T20", "T21"} {
		conn := env.dial(t, "device-20")
		sendAuth(t, conn, id)
		_, closeErr := readUntilClose(t, conn)
		// The permissive reconnect profile admits both attempts past the
		// fresh per-identity cap of 1; each then fails on token expiry.
		if closeErr.Code != protocol.CloseTokenExpired {
			t.Fatalf("token %s close = %d (%s), want %d", id, closeErr.Code, closeErr.Text, protocol.CloseTokenExpired)
		}
	}
}

func TestPairing_LoadRatioScalesWindowLimits(t *testing.T) {
	opts := defaultEnvOptions()
	opts.profiles.Fresh.PerIdentity = ratelimit.WindowLimit{Max: 2, Window: 10 * time.Minute}
	opts.loadRatio = 2.5 // halves every window limit
	env := newTestEnv(t, opts)
	env.tokens.Put(validToken("T10"))
	env.tokens.Put(validToken("T11"))
	env.tokens.Put(validToken("T12"))

	first := env.dial(t, "device-10")
	sendAuth(t, first, "T10")
	if _, closeErr := readUntilClose(t, first); closeErr.Code != protocol.CloseNormalDelivery {
		t.Fatalf("first attempt close = %d, want normal delivery", closeErr.Code)
	}

	// Nominal Max 2 would admit this; the scaled limit of 1 must not.
	second := env.dial(t, "device-10")
	sendAuth(t, second, "T11")
	_, closeErr := readUntilClose(t, second)
	if closeErr.Code != protocol.CloseRateLimited {
		t.Fatalf("close code = %d (%s), want %d under load", closeErr.Code, closeErr.Text, protocol.CloseRateLimited)
	}

	// Scaling is per identity; an unrelated device is still admitted.
	other := env.dial(t, "device-11")
	sendAuth(t, other, "T12")
	if _, closeErr := readUntilClose(t, other); closeErr.Code != protocol.CloseNormalDelivery {
		t.Errorf("other identity close = %d, want normal delivery", closeErr.Code)
	}
}

func TestPairing_UnknownTokenRejected(t *testing.T) {
	env := newTestEnv(t, defaultEnvOptions())

	conn := env.dial(t, "device-7")
	sendAuth(t, conn, "no-such-token")

	_, closeErr := readUntilClose(t, conn)
	if closeErr.Code != protocol.CloseTokenInvalid {
		t.Fatalf("close code = %d (%s), want %d", closeErr.Code, closeErr.Text, protocol.CloseTokenInvalid)
	}
}

func TestPairing_MissingIdentityRejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, defaultEnvOptions())

	_, err := env.dialErr("")
	if err == nil {
		t.Fatal("dial without identity succeeded, want handshake rejection")
	}
}

func TestPairing_FirstRequestMustBeAuth(t *testing.T) {
	env := newTestEnv(t, defaultEnvOptions())

	conn := env.dial(t, "device-8")
	ping := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: "p1", Method: protocol.MethodPing}
	if err := conn.WriteJSON(ping); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp protocol.ResponseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.OK || resp.Error == nil || resp.Error.Code != protocol.ErrUnauthorized {
		t.Fatalf("resp = %+v, want UNAUTHORIZED error", resp)
	}
}
