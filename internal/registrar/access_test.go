package registrar_test

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/basket/registrar/internal/bus"
	"github.com/basket/registrar/internal/clock"
	"github.com/basket/registrar/internal/registrar"
)

func accessOutcome(t *testing.T, sub *bus.Subscription) bus.AccessResolvedEvent {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		out, ok := ev.Payload.(bus.AccessResolvedEvent)
		if !ok {
			t.Fatalf("payload = %T", ev.Payload)
		}
		return out
	case <-time.After(waitFor):
		t.Fatal("no access outcome published")
		return bus.AccessResolvedEvent{}
	}
}

func TestRequestToken_GrantPersistsAndAuthenticates(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.Subscribe(bus.TopicAccessResolved)
	inst := f.instance(t, "editor")

	_, reply := f.requestToken(t, "tool")
	ask := inst.nextAsk(t)
	if ask.AppName != "tool" {
		t.Fatalf("asked about %q, want tool", ask.AppName)
	}
	inst.votes <- true

	r := awaitReply(t, reply)
	if r.err != nil {
		t.Fatalf("requestToken: %v", r.err)
	}
	if len(r.token) != 20 {
		t.Fatalf("token %q, want 20 characters", r.token)
	}
	if id := inst.nextCancel(t); id != ask.RequestID {
		t.Fatalf("cancel id = %d, want %d", id, ask.RequestID)
	}
	if ev := accessOutcome(t, sub); ev.Outcome != "granted" || ev.RequestID != ask.RequestID || ev.Asked != 1 {
		t.Fatalf("outcome event = %+v", ev)
	}

	data, err := os.ReadFile(f.store.Path())
	if err != nil {
		t.Fatalf("read trust file: %v", err)
	}
	if !strings.Contains(string(data), `"appName": "tool"`) || strings.Contains(string(data), r.token) {
		t.Fatalf("trust file should hold the app and only a token hash:\n%s", data)
	}

	c := f.dial(t, nil)
	if err := c.call(registrar.MethodAuthenticate, registrar.AuthenticateParams{AppName: "tool", Token: r.token}, nil); err != nil {
		t.Fatalf("authenticate with minted token: %v", err)
	}
	if got := f.srv.Counts(); got.Clients != 1 || got.PendingAccess != 0 {
		t.Fatalf("counts = %+v", got)
	}
}

func TestRequestToken_FirstGrantWinsAfterDenial(t *testing.T) {
	f := newFixture(t, nil)
	a := f.instance(t, "a")
	b := f.instance(t, "b")

	_, reply := f.requestToken(t, "tool")
	askA := a.nextAsk(t)
	askB := b.nextAsk(t)
	if askA.RequestID != askB.RequestID {
		t.Fatalf("instances saw different request ids: %d vs %d", askA.RequestID, askB.RequestID)
	}

	a.votes <- false
	select {
	case r := <-reply:
		t.Fatalf("settled after a single denial: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	b.votes <- true

	if r := awaitReply(t, reply); r.err != nil || r.token == "" {
		t.Fatalf("requestToken = %+v, want a token", r)
	}
	for _, inst := range []*instance{a, b} {
		if id := inst.nextCancel(t); id != askA.RequestID {
			t.Fatalf("cancel id = %d, want %d", id, askA.RequestID)
		}
		select {
		case id := <-inst.cancels:
			t.Fatalf("duplicate cancel for %d", id)
		case <-time.After(150 * time.Millisecond):
		}
	}
}

func TestRequestToken_AllDeniedIsDenied(t *testing.T) {
	f := newFixture(t, nil)
	a := f.instance(t, "a")
	b := f.instance(t, "b")

	_, reply := f.requestToken(t, "tool")
	a.nextAsk(t)
	b.nextAsk(t)
	a.votes <- false
	b.votes <- false

	if r := awaitReply(t, reply); !errors.Is(r.err, registrar.ErrDenied) {
		t.Fatalf("requestToken = %+v, want ErrDenied", r)
	}
	a.nextCancel(t)
	b.nextCancel(t)
	if f.store.Len() != 0 {
		t.Fatalf("denied request minted %d records", f.store.Len())
	}
}

func TestRequestToken_InstanceDisconnectCountsAsDenial(t *testing.T) {
	f := newFixture(t, nil)
	a := f.instance(t, "a")
	b := f.instance(t, "b")

	_, reply := f.requestToken(t, "tool")
	a.nextAsk(t)
	b.nextAsk(t)
	a.votes <- false
	_ = b.conn.Close()

	if r := awaitReply(t, reply); !errors.Is(r.err, registrar.ErrDenied) {
		t.Fatalf("requestToken = %+v, want ErrDenied", r)
	}
}

func TestRequestToken_RequesterDisconnectCancelsPrompts(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.Subscribe(bus.TopicAccessResolved)
	inst := f.instance(t, "editor")

	requester, _ := f.requestToken(t, "tool")
	ask := inst.nextAsk(t)
	_ = requester.conn.Close()

	if id := inst.nextCancel(t); id != ask.RequestID {
		t.Fatalf("cancel id = %d, want %d", id, ask.RequestID)
	}
	if ev := accessOutcome(t, sub); ev.Outcome != "abandoned" {
		t.Fatalf("outcome = %q, want abandoned", ev.Outcome)
	}
	// A late approval has nobody to deliver to and must not mint anything.
	inst.votes <- true
	time.Sleep(100 * time.Millisecond)
	if f.store.Len() != 0 {
		t.Fatalf("abandoned request minted %d records", f.store.Len())
	}
	if got := f.srv.Counts(); got.PendingAccess != 0 {
		t.Fatalf("pending = %d after abandonment", got.PendingAccess)
	}
}

func TestRequestToken_TimeoutResolvesAsDenied(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := newFixture(t, func(cfg *registrar.Config) {
		cfg.Clock = clk
		cfg.AccessTimeout = 2 * time.Minute
	})
	sub := f.bus.Subscribe(bus.TopicAccessResolved)
	inst := f.instance(t, "editor")

	_, reply := f.requestToken(t, "tool")
	inst.nextAsk(t)
	eventually(t, "access deadline armed", func() bool { return clk.Timers() == 1 })

	clk.Advance(time.Minute)
	select {
	case r := <-reply:
		t.Fatalf("requestToken resolved before its deadline: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	clk.Advance(time.Minute)
	if r := awaitReply(t, reply); !errors.Is(r.err, registrar.ErrDenied) {
		t.Fatalf("requestToken = %+v, want ErrDenied", r)
	}
	inst.nextCancel(t)
	if ev := accessOutcome(t, sub); ev.Outcome != "timeout" {
		t.Fatalf("outcome = %q, want timeout", ev.Outcome)
	}
}

func TestRequestToken_NoInstanceAvailable(t *testing.T) {
	f := newFixture(t, nil)
	p := f.dial(t, nil)
	err := p.call(registrar.MethodRequestToken, registrar.RequestTokenParams{AppName: "tool"}, nil)
	if !errors.Is(err, registrar.ErrNoInstanceAvailable) {
		t.Fatalf("requestToken = %v, want ErrNoInstanceAvailable", err)
	}
}

func TestRequestToken_RateLimitedPerSession(t *testing.T) {
	f := newFixture(t, func(cfg *registrar.Config) {
		cfg.RequestTokensPerMinute = 1
		cfg.RequestTokenBurst = 1
	})
	p := f.dial(t, nil)
	if err := p.call(registrar.MethodRequestToken, registrar.RequestTokenParams{AppName: "tool"}, nil); !errors.Is(err, registrar.ErrNoInstanceAvailable) {
		t.Fatalf("first requestToken = %v, want ErrNoInstanceAvailable", err)
	}
	if err := p.call(registrar.MethodRequestToken, registrar.RequestTokenParams{AppName: "tool"}, nil); !errors.Is(err, registrar.ErrRateLimited) {
		t.Fatalf("second requestToken = %v, want ErrRateLimited", err)
	}

	other := f.dial(t, nil)
	if err := other.call(registrar.MethodRequestToken, registrar.RequestTokenParams{AppName: "tool"}, nil); !errors.Is(err, registrar.ErrNoInstanceAvailable) {
		t.Fatalf("other session = %v, want its own budget", err)
	}
}

func TestRequestToken_InstancesMayNotAsk(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.instance(t, "editor")
	err := inst.call(registrar.MethodRequestToken, registrar.RequestTokenParams{AppName: "tool"}, nil)
	if !errors.Is(err, registrar.ErrNotPermitted) {
		t.Fatalf("requestToken from instance = %v, want ErrNotPermitted", err)
	}
}
