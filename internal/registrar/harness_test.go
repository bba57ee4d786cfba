package registrar_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/registrar/internal/bus"
	"github.com/basket/registrar/internal/registrar"
	"github.com/basket/registrar/internal/rpc"
	"github.com/basket/registrar/internal/trust"
)

const waitFor = 3 * time.Second

type fixture struct {
	srv        *registrar.Server
	store      *trust.Store
	bus        *bus.Bus
	url        string
	secretPath string
}

func newFixture(t *testing.T, tweak func(*registrar.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := trust.Open(trust.Options{Path: filepath.Join(dir, "trust.json")})
	if err != nil {
		t.Fatalf("open trust store: %v", err)
	}
	secretPath := filepath.Join(dir, "secret.txt")
	secret, err := registrar.WriteSecret(secretPath)
	if err != nil {
		t.Fatalf("write secret: %v", err)
	}
	b := bus.New()
	cfg := registrar.Config{
		Trust:                  store,
		Bus:                    b,
		Secret:                 secret,
		SecretPath:             secretPath,
		AccessTimeout:          10 * time.Second,
		RequestTokensPerMinute: 600,
		RequestTokenBurst:      50,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	srv := registrar.New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return &fixture{
		srv:        srv,
		store:      store,
		bus:        b,
		url:        "ws" + ts.URL[len("http"):] + "/ws",
		secretPath: secretPath,
	}
}

type note struct {
	Method string
	Params json.RawMessage
}

// peer is one dialed connection. Notifications without a route land in notes.
type peer struct {
	conn  *rpc.Conn
	mux   *rpc.Mux
	notes chan note
}

func (f *fixture) dial(t *testing.T, setup func(*rpc.Mux)) *peer {
	t.Helper()
	p := &peer{mux: rpc.NewMux(), notes: make(chan note, 64)}
	p.mux.SetDefault(func(_ context.Context, method string, params json.RawMessage) {
		p.notes <- note{Method: method, Params: append(json.RawMessage(nil), params...)}
	})
	if setup != nil {
		setup(p.mux)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p.conn = rpc.New(ws, p.mux, rpc.Options{})
	go func() { _ = p.conn.Run(context.Background()) }()
	t.Cleanup(func() { _ = p.conn.Close() })
	return p
}

func (p *peer) call(method string, params, result any) error {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return registrar.FromWire(p.conn.Call(ctx, method, params, result))
}

func (p *peer) next(t *testing.T) note {
	t.Helper()
	select {
	case n := <-p.notes:
		return n
	case <-time.After(waitFor):
		t.Fatal("expected a notification")
		return note{}
	}
}

func (p *peer) quiet(t *testing.T) {
	t.Helper()
	select {
	case n := <-p.notes:
		t.Fatalf("unexpected notification %s %s", n.Method, n.Params)
	case <-time.After(150 * time.Millisecond):
	}
}

// instance is a fake editor instance. Each requestAccess blocks until the
// test feeds a vote into votes.
type instance struct {
	*peer
	votes   chan bool
	asked   chan registrar.RequestAccessParams
	cancels chan int64
	counts  chan registrar.ClientCountParams

	mu       sync.Mutex
	answered int
}

func (f *fixture) instance(t *testing.T, name string) *instance {
	t.Helper()
	inst := f.dialInstance(t, func(string) string {
		data, err := os.ReadFile(f.secretPath)
		if err != nil {
			return ""
		}
		return string(data)
	})
	if err := inst.call(registrar.MethodRegisterAsVsCodeInstance, registrar.RegisterInstanceParams{Name: name, Port: 3000}, nil); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return inst
}

// dialInstance connects without registering; readSecret answers the probe.
func (f *fixture) dialInstance(t *testing.T, readSecret func(path string) string) *instance {
	t.Helper()
	inst := &instance{
		votes:   make(chan bool, 8),
		asked:   make(chan registrar.RequestAccessParams, 8),
		cancels: make(chan int64, 8),
		counts:  make(chan registrar.ClientCountParams, 8),
	}
	inst.peer = f.dial(t, func(m *rpc.Mux) {
		m.Request(registrar.MethodAuthenticateVsCodeInstance, func(_ context.Context, raw json.RawMessage) (any, error) {
			var p registrar.SecretProbeParams
			if err := rpc.DecodeParams(raw, &p); err != nil {
				return nil, err
			}
			return registrar.SecretProbeResult{Content: readSecret(p.FilePathToRead)}, nil
		})
		m.Request(registrar.MethodRequestAccess, func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p registrar.RequestAccessParams
			if err := rpc.DecodeParams(raw, &p); err != nil {
				return nil, err
			}
			inst.asked <- p
			select {
			case v := <-inst.votes:
				inst.mu.Lock()
				inst.answered++
				inst.mu.Unlock()
				return registrar.RequestAccessResult{AccessGranted: v}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		m.Notification(registrar.MethodCancelAccessRequest, func(_ context.Context, raw json.RawMessage) {
			var p registrar.CancelAccessRequestParams
			if rpc.DecodeParams(raw, &p) == nil {
				inst.cancels <- p.RequestID
			}
		})
		for _, method := range []string{registrar.MethodClientConnected, registrar.MethodClientDisconnected} {
			m.Notification(method, func(_ context.Context, raw json.RawMessage) {
				var p registrar.ClientCountParams
				if rpc.DecodeParams(raw, &p) == nil {
					inst.counts <- p
				}
			})
		}
	})
	return inst
}

func (i *instance) nextAsk(t *testing.T) registrar.RequestAccessParams {
	t.Helper()
	select {
	case p := <-i.asked:
		return p
	case <-time.After(waitFor):
		t.Fatal("instance was never asked")
		return registrar.RequestAccessParams{}
	}
}

func (i *instance) nextCancel(t *testing.T) int64 {
	t.Helper()
	select {
	case id := <-i.cancels:
		return id
	case <-time.After(waitFor):
		t.Fatal("instance never saw cancelAccessRequest")
		return 0
	}
}

func (i *instance) nextCount(t *testing.T) registrar.ClientCountParams {
	t.Helper()
	select {
	case p := <-i.counts:
		return p
	case <-time.After(waitFor):
		t.Fatal("instance never saw a client count")
		return registrar.ClientCountParams{}
	}
}

// client connects and authenticates with a token minted directly in the store.
func (f *fixture) client(t *testing.T, app string) *peer {
	t.Helper()
	grant, err := f.store.MintGrant(app)
	if err != nil {
		t.Fatalf("mint grant: %v", err)
	}
	p := f.dial(t, nil)
	if err := p.call(registrar.MethodAuthenticate, registrar.AuthenticateParams{AppName: app, Token: grant.Token}, nil); err != nil {
		t.Fatalf("authenticate %s: %v", app, err)
	}
	return p
}

// requestToken runs requestToken on a fresh connection in the background.
func (f *fixture) requestToken(t *testing.T, app string) (*peer, <-chan tokenReply) {
	t.Helper()
	p := f.dial(t, nil)
	out := make(chan tokenReply, 1)
	go func() {
		var res registrar.RequestTokenResult
		ctx, cancel := context.WithTimeout(context.Background(), 2*waitFor)
		defer cancel()
		err := p.conn.Call(ctx, registrar.MethodRequestToken, registrar.RequestTokenParams{AppName: app}, &res)
		out <- tokenReply{token: res.Token, err: registrar.FromWire(err)}
	}()
	return p, out
}

type tokenReply struct {
	token string
	err   error
}

func awaitReply(t *testing.T, ch <-chan tokenReply) tokenReply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * waitFor):
		t.Fatal("requestToken never returned")
		return tokenReply{}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
