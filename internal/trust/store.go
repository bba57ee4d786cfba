// Package trust persists the grants issued to external clients. Tokens are
// never stored; only salted SHA-256 digests of them are.
package trust

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/registrar/internal/clock"
)

const (
	FileVersion = 1
	DefaultTTL  = 30 * 24 * time.Hour
	TokenLength = 20

	// salt is shared by every installation; changing it invalidates every
	// grant already on disk.
	salt = "5df82936cbf0864be4b7ba801bee392457fde9e4"
)

// ErrMalformed means the trust-store file failed to parse or validate.
var ErrMalformed = errors.New("trust: malformed trust store")

type Record struct {
	AppName             string     `json:"appName"`
	TokenHash           string     `json:"tokenHash"`
	GrantedAt           time.Time  `json:"grantedAt"`
	LastAuthenticatedAt *time.Time `json:"lastAuthenticatedAt"`
}

// LastSeen is the timestamp eviction is measured from.
func (r Record) LastSeen() time.Time {
	if r.LastAuthenticatedAt != nil {
		return *r.LastAuthenticatedAt
	}
	return r.GrantedAt
}

type file struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

type Options struct {
	Path   string
	Clock  clock.Clock
	TTL    time.Duration
	Logger *slog.Logger
	// OnEvict is told how many records each save or sweep dropped.
	OnEvict func(n int)
}

type Store struct {
	path    string
	clock   clock.Clock
	ttl     time.Duration
	logger  *slog.Logger
	schema  *jsonschema.Schema
	onEvict func(int)

	mu      sync.Mutex
	records []Record
	// digest of the bytes this process last wrote, so the watcher can tell
	// its own writes from external edits.
	digest [sha256.Size]byte
}

// Open compiles the file schema and loads the store. A malformed file is
// logged and replaced by an empty trust set; only setup failures are
// returned.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("trust: path is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:    opts.Path,
		clock:   opts.Clock,
		ttl:     opts.TTL,
		logger:  opts.Logger,
		schema:  schema,
		onEvict: opts.OnEvict,
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("create trust dir: %w", err)
	}
	if err := s.Load(); err != nil && !errors.Is(err, ErrMalformed) {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Load replaces the in-memory records with the file's. A missing file is
// created empty. A malformed file resets the set to empty and returns an
// error wrapping ErrMalformed.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.records = nil
			return s.saveLocked()
		}
		return fmt.Errorf("read trust store: %w", err)
	}
	records, err := s.decode(data)
	if err != nil {
		s.logger.Error("trust store rejected, starting with no grants", "path", s.path, "error", err)
		s.records = nil
		return err
	}
	s.records = records
	s.digest = sha256.Sum256(data)
	// Stale records leave memory now; the file catches up on the next write.
	s.evictLocked()
	s.logger.Info("trust store loaded", "path", s.path, "records", len(s.records))
	return nil
}

func (s *Store) decode(data []byte) ([]Record, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f.Records, nil
}

// ReloadIfChanged reloads the file unless its contents are exactly what
// this process last wrote.
func (s *Store) ReloadIfChanged() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read trust store: %w", err)
	}
	if sha256.Sum256(data) == s.digest {
		return false, nil
	}
	return true, s.loadLocked()
}

// Grant is a freshly minted token together with its record. The token is
// not recoverable afterwards.
type Grant struct {
	Token  string
	Record Record
}

// MintGrant issues a new token for appName and persists its hash. A failed
// write is logged; the grant stays valid for this process.
func (s *Store) MintGrant(appName string) (Grant, error) {
	token, err := RandomString(TokenLength)
	if err != nil {
		return Grant{}, fmt.Errorf("generate token: %w", err)
	}
	rec := Record{
		AppName:   appName,
		TokenHash: HashToken(token),
		GrantedAt: s.clock.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if err := s.saveLocked(); err != nil {
		s.logger.Error("trust store write failed; grant kept in memory only", "app", appName, "error", err)
	}
	return Grant{Token: token, Record: rec}, nil
}

// CheckToken looks the token up and, on a hit, stamps lastAuthenticatedAt.
// A record past its TTL never matches, even before a sweep has dropped it.
func (s *Store) CheckToken(token string) (Record, bool) {
	h := HashToken(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	for i := range s.records {
		if s.records[i].TokenHash != h {
			continue
		}
		if now.Sub(s.records[i].LastSeen()) > s.ttl {
			return Record{}, false
		}
		s.records[i].LastAuthenticatedAt = &now
		rec := s.records[i]
		if err := s.saveLocked(); err != nil {
			s.logger.Error("trust store write failed; authentication time kept in memory only", "app", rec.AppName, "error", err)
		}
		return rec, true
	}
	return Record{}, false
}

// Save evicts stale records and rewrites the file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Sweep evicts stale records and rewrites the file only if any were dropped.
func (s *Store) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.evictLocked()
	if n == 0 {
		return 0, nil
	}
	return n, s.writeLocked()
}

// Records returns a copy of the current trust set.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) saveLocked() error {
	s.evictLocked()
	return s.writeLocked()
}

func (s *Store) evictLocked() int {
	now := s.clock.Now()
	kept := s.records[:0]
	evicted := 0
	for _, r := range s.records {
		if now.Sub(r.LastSeen()) > s.ttl {
			evicted++
			s.logger.Info("trust record evicted", "app", r.AppName, "last_seen", r.LastSeen())
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	if evicted > 0 && s.onEvict != nil {
		s.onEvict(evicted)
	}
	return evicted
}

func (s *Store) writeLocked() error {
	records := s.records
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(file{Version: FileVersion, Records: records}, "", "\t")
	if err != nil {
		return fmt.Errorf("encode trust store: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return err
	}
	s.digest = sha256.Sum256(data)
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp trust store: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp trust store: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp trust store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp trust store: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace trust store: %w", err)
	}
	return nil
}

// HashToken returns the hex digest stored in place of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomString returns n characters drawn uniformly from [A-Za-z0-9].
func RandomString(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}
