package trust_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/registrar/internal/clock"
	"github.com/basket/registrar/internal/trust"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T, path string, clk clock.Clock) *trust.Store {
	t.Helper()
	s, err := trust.Open(trust.Options{Path: path, Clock: clk, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open trust store: %v", err)
	}
	return s
}

func TestOpen_CreatesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.json")
	s := openStore(t, path, clock.NewFake(epoch))

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected trust file to be created: %v", err)
	}
	var f struct {
		Version int               `json:"version"`
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decode trust file: %v", err)
	}
	if f.Version != 1 || f.Records == nil || len(f.Records) != 0 {
		t.Fatalf("unexpected empty file: %s", raw)
	}
	if s.Len() != 0 {
		t.Fatalf("expected no records, got %d", s.Len())
	}
}

func TestMintThenCheck_UpdatesLastAuthenticated(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := openStore(t, filepath.Join(t.TempDir(), "trust.json"), clk)

	grant, err := s.MintGrant("app")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(grant.Token) < trust.TokenLength {
		t.Fatalf("token too short: %q", grant.Token)
	}
	for _, r := range grant.Token {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			t.Fatalf("token has non-alphanumeric rune %q", r)
		}
	}
	if grant.Record.LastAuthenticatedAt != nil {
		t.Fatalf("fresh grant should not be authenticated yet")
	}

	clk.Advance(time.Hour)
	rec, ok := s.CheckToken(grant.Token)
	if !ok {
		t.Fatal("freshly minted token rejected")
	}
	if rec.AppName != "app" {
		t.Fatalf("app = %q, want app", rec.AppName)
	}
	if rec.LastAuthenticatedAt == nil || !rec.LastAuthenticatedAt.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("lastAuthenticatedAt = %v, want %v", rec.LastAuthenticatedAt, epoch.Add(time.Hour))
	}
	if _, ok := s.CheckToken(grant.Token + "x"); ok {
		t.Fatal("altered token accepted")
	}
}

func TestTTL_EvictsAfterThirtyDays(t *testing.T) {
	clk := clock.NewFake(epoch)
	path := filepath.Join(t.TempDir(), "trust.json")
	s := openStore(t, path, clk)

	grant, err := s.MintGrant("app")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, ok := s.CheckToken(grant.Token); !ok {
		t.Fatal("token rejected inside window")
	}

	clk.Advance(31 * 24 * time.Hour)
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := s.CheckToken(grant.Token); ok {
		t.Fatal("token survived past the TTL")
	}

	reopened := openStore(t, path, clk)
	if reopened.Len() != 0 {
		t.Fatalf("evicted record still on disk: %+v", reopened.Records())
	}
}

func TestTTL_StaleFileRecordIsNotRevived(t *testing.T) {
	const token = "AAAAAAAAAAAAAAAAAAAA"
	stale := epoch.Add(-31 * 24 * time.Hour).Format(time.RFC3339)
	body := `{"version":1,"records":[{"appName":"demo","tokenHash":"` + trust.HashToken(token) +
		`","grantedAt":"` + stale + `","lastAuthenticatedAt":null}]}`

	for _, tc := range []struct {
		name string
		load func(t *testing.T, path string) *trust.Store
	}{
		{"open", func(t *testing.T, path string) *trust.Store {
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			return openStore(t, path, clock.NewFake(epoch))
		}},
		{"reload", func(t *testing.T, path string) *trust.Store {
			s := openStore(t, path, clock.NewFake(epoch))
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if reloaded, err := s.ReloadIfChanged(); err != nil || !reloaded {
				t.Fatalf("reload: %v %v", reloaded, err)
			}
			return s
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "trust.json")
			s := tc.load(t, path)
			if s.Len() != 0 {
				t.Fatalf("stale record kept after load: %+v", s.Records())
			}
			if _, ok := s.CheckToken(token); ok {
				t.Fatal("expired token accepted after load")
			}
		})
	}
}

func TestTTL_ExpiredInMemoryRecordRejectedBeforeSweep(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := openStore(t, filepath.Join(t.TempDir(), "trust.json"), clk)

	grant, _ := s.MintGrant("app")
	clk.Advance(31 * 24 * time.Hour)
	if _, ok := s.CheckToken(grant.Token); ok {
		t.Fatal("expired token accepted without a sweep")
	}
	if n, err := s.Sweep(); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want the expired record dropped", n, err)
	}
}

func TestTTL_AuthenticationExtendsLifetime(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := openStore(t, filepath.Join(t.TempDir(), "trust.json"), clk)

	grant, _ := s.MintGrant("app")
	clk.Advance(20 * 24 * time.Hour)
	if _, ok := s.CheckToken(grant.Token); !ok {
		t.Fatal("token rejected at day 20")
	}
	clk.Advance(20 * 24 * time.Hour)
	if _, ok := s.CheckToken(grant.Token); !ok {
		t.Fatal("token rejected 20 days after last use")
	}
}

func TestSweep_OnlyWritesWhenSomethingExpired(t *testing.T) {
	clk := clock.NewFake(epoch)
	var evicted int
	s, err := trust.Open(trust.Options{
		Path:    filepath.Join(t.TempDir(), "trust.json"),
		Clock:   clk,
		Logger:  quietLogger(),
		OnEvict: func(n int) { evicted += n },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = s.MintGrant("old")
	clk.Advance(10 * 24 * time.Hour)
	_, _ = s.MintGrant("new")

	if n, err := s.Sweep(); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}
	clk.Advance(25 * 24 * time.Hour)
	n, err := s.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 || evicted != 1 {
		t.Fatalf("evicted %d (hook saw %d), want 1", n, evicted)
	}
	recs := s.Records()
	if len(recs) != 1 || recs[0].AppName != "new" {
		t.Fatalf("unexpected survivors: %+v", recs)
	}
}

func TestPersistence_ReloadReproducesRecordsWithoutPlaintext(t *testing.T) {
	clk := clock.NewFake(epoch)
	path := filepath.Join(t.TempDir(), "trust.json")
	s := openStore(t, path, clk)

	type pair struct{ app, hash string }
	want := map[pair]bool{}
	var tokens []string
	for _, app := range []string{"alpha", "beta", "beta", "gamma", "delta"} {
		g, err := s.MintGrant(app)
		if err != nil {
			t.Fatalf("mint %s: %v", app, err)
		}
		tokens = append(tokens, g.Token)
		want[pair{app, g.Record.TokenHash}] = true
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, tok := range tokens {
		if strings.Contains(string(raw), tok) {
			t.Fatalf("plaintext token %q found in trust file", tok)
		}
	}

	reopened := openStore(t, path, clk)
	got := map[pair]bool{}
	for _, r := range reopened.Records() {
		got[pair{r.AppName, r.TokenHash}] = true
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for p := range want {
		if !got[p] {
			t.Fatalf("missing record %+v after reload", p)
		}
	}
	for _, tok := range tokens {
		if _, ok := reopened.CheckToken(tok); !ok {
			t.Fatalf("token rejected after reload")
		}
	}
}

func TestLoad_MalformedResetsToEmpty(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"version":1,`,
		"wrong version": `{"version":2,"records":[]}`,
		"bad hash":      `{"version":1,"records":[{"appName":"a","tokenHash":"nothex","grantedAt":"2026-01-01T00:00:00Z","lastAuthenticatedAt":null}]}`,
		"bad date":      `{"version":1,"records":[{"appName":"a","tokenHash":"` + strings.Repeat("a", 64) + `","grantedAt":"yesterday","lastAuthenticatedAt":null}]}`,
		"no records":    `{"version":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFake(epoch)
			path := filepath.Join(t.TempDir(), "trust.json")
			s := openStore(t, path, clk)
			_, _ = s.MintGrant("kept-before")

			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			err := s.Load()
			if !errors.Is(err, trust.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
			if s.Len() != 0 {
				t.Fatalf("malformed load should reset to empty, have %d", s.Len())
			}
		})
	}
}

func TestOpen_MalformedFileIsNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := trust.Open(trust.Options{Path: path, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open should recover from malformed file, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty trust set, got %d", s.Len())
	}
}

func TestReloadIfChanged_IgnoresOwnWrites(t *testing.T) {
	clk := clock.NewFake(epoch)
	path := filepath.Join(t.TempDir(), "trust.json")
	s := openStore(t, path, clk)
	_, _ = s.MintGrant("app")

	reloaded, err := s.ReloadIfChanged()
	if err != nil || reloaded {
		t.Fatalf("own write triggered reload: %v %v", reloaded, err)
	}

	external := `{"version":1,"records":[]}`
	if err := os.WriteFile(path, []byte(external), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reloaded, err = s.ReloadIfChanged()
	if err != nil || !reloaded {
		t.Fatalf("external edit not reloaded: %v %v", reloaded, err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected external edit to clear records, have %d", s.Len())
	}
}

func TestHashToken_SaltedSHA256(t *testing.T) {
	h := trust.HashToken("abc")
	if len(h) != 64 {
		t.Fatalf("hash length = %d", len(h))
	}
	if h == trust.HashToken("abd") {
		t.Fatal("different tokens hashed equal")
	}
	if h != trust.HashToken("abc") {
		t.Fatal("hash is not deterministic")
	}
}
