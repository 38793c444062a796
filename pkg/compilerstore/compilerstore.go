// Package compilerstore implements the Compiler Store: acquiring,
// disk-caching, warm-loading, and LRU-evicting solc binaries.
package compilerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/studioplatforms/contract-verifier/internal/constants"
	"github.com/studioplatforms/contract-verifier/pkg/catalog"
)

// ErrDownloadFailed is returned when a compiler binary cannot be
// acquired from its source URL.
var ErrDownloadFailed = errors.New("compiler download failed")

// Handle is a runtime handle over a loaded compiler binary. It exposes
// a single synchronous Compile operation and is thread-hostile: use is
// serialized through the per-handle Lock/Unlock, which Compile takes
// itself (spec.md §3's "Loaded Compiler" invariant — a handle is used by
// at most one task at a time).
type Handle struct {
	Descriptor catalog.Descriptor
	BinaryPath string

	mu sync.Mutex

	useCount int64
	lastUsed time.Time
}

// Lock acquires the handle's per-handle mutex, serializing use as
// spec.md §4.2 requires. Callers MUST call Unlock when done, even on
// cancellation — cancellation MUST release the per-handle mutex and
// MUST NOT corrupt the store's bookkeeping (spec.md §5).
func (h *Handle) Lock() {
	h.mu.Lock()
	h.useCount++
	h.lastUsed = time.Now()
}

// Unlock releases the handle's per-handle mutex.
func (h *Handle) Unlock() {
	h.mu.Unlock()
}

// Compile invokes the underlying solc binary in Standard-JSON mode,
// passing stdinJSON on stdin and returning solc's stdout. It holds the
// handle's lock for the duration of the call, so concurrent callers are
// serialized; the caller must not already hold it.
func (h *Handle) Compile(ctx context.Context, stdinJSON []byte) ([]byte, error) {
	h.Lock()
	defer h.Unlock()
	return execStandardJSON(ctx, h.BinaryPath, stdinJSON)
}

// Config configures a Store.
type Config struct {
	CacheDir   string
	MaxWarm    int
	BinariesBaseURL string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Logger     *zap.Logger
	DB         *pebble.DB
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.CacheDir == "" {
		cfg.CacheDir = constants.DefaultCompilerCacheDir
	}
	if cfg.MaxWarm <= 0 {
		cfg.MaxWarm = constants.DefaultMaxWarm
	}
	if cfg.BinariesBaseURL == "" {
		cfg.BinariesBaseURL = "https://binaries.soliditylang.org/bin"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &cfg
}

// stat is the persisted per-version bookkeeping record.
type stat struct {
	UseCount int64     `json:"use_count"`
	LastUsed time.Time `json:"last_used"`
	Path     string    `json:"path"`
}

// Store manages the compiler binary lifecycle: download, disk persist,
// warm in-memory cache with LRU eviction, bounded by MaxWarm. One
// instance is constructed at startup and threaded through explicitly,
// per spec.md §9 — never a package-level singleton.
type Store struct {
	cfg *Config
	log *zap.Logger

	mu       sync.Mutex
	warm     map[string]*Handle // canonical build id -> handle
	lru      []string           // canonical build ids, most-recently-used last
	inFlight map[string]chan struct{}
}

// New constructs a Store.
func New(cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.withDefaults()
	return &Store{
		cfg:      cfg,
		log:      cfg.Logger.Named("compiler_store"),
		warm:     make(map[string]*Handle),
		inFlight: make(map[string]chan struct{}),
	}
}

// Load returns a Handle for descriptor, downloading and/or warm-loading
// it if necessary. Load is idempotent: concurrent callers requesting the
// same canonical build id within the same process receive the same
// handle (single-flight).
func (s *Store) Load(ctx context.Context, descriptor catalog.Descriptor) (*Handle, error) {
	key := descriptor.CanonicalBuild

	for {
		s.mu.Lock()
		if h, ok := s.warm[key]; ok {
			s.touchLocked(key)
			s.mu.Unlock()
			return h, nil
		}
		if wait, ok := s.inFlight[key]; ok {
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		s.inFlight[key] = done
		s.mu.Unlock()

		h, err := s.loadOnce(ctx, descriptor)

		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
		close(done)

		return h, err
	}
}

func (s *Store) loadOnce(ctx context.Context, descriptor catalog.Descriptor) (*Handle, error) {
	path, err := s.ensureOnDisk(ctx, descriptor)
	if err != nil {
		return nil, err
	}

	h := &Handle{Descriptor: descriptor, BinaryPath: path}
	if persisted, ok := s.loadStat(descriptor.CanonicalBuild); ok {
		h.useCount = persisted.UseCount
		h.lastUsed = persisted.LastUsed
	}

	s.mu.Lock()
	s.evictIfFullLocked()
	s.warm[descriptor.CanonicalBuild] = h
	s.touchLocked(descriptor.CanonicalBuild)
	s.mu.Unlock()

	s.log.Info("compiler warm-loaded", zap.String("version", descriptor.CanonicalBuild))
	return h, nil
}

// touchLocked moves key to the most-recently-used end of the LRU list.
// Caller must hold s.mu.
func (s *Store) touchLocked(key string) {
	for i, k := range s.lru {
		if k == key {
			s.lru = append(s.lru[:i], s.lru[i+1:]...)
			break
		}
	}
	s.lru = append(s.lru, key)
}

// evictIfFullLocked evicts the least-recently-used handle if the warm
// set is already at capacity. Caller must hold s.mu.
func (s *Store) evictIfFullLocked() {
	if len(s.warm) < s.cfg.MaxWarm {
		return
	}
	if len(s.lru) == 0 {
		return
	}
	oldest := s.lru[0]
	s.lru = s.lru[1:]
	if h, ok := s.warm[oldest]; ok {
		s.persistStat(oldest, h)
		delete(s.warm, oldest)
		s.log.Info("compiler evicted", zap.String("version", oldest))
	}
}

func (s *Store) ensureOnDisk(ctx context.Context, descriptor catalog.Descriptor) (string, error) {
	path := s.binaryPath(descriptor)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	if err := os.MkdirAll(s.cfg.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create compiler cache dir: %w", err)
	}

	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	url := descriptor.SourceURL
	if url == "" {
		url = fmt.Sprintf("%s/%s/%s", s.cfg.BinariesBaseURL, platformDir(), descriptor.CanonicalBuild)
	}

	s.log.Info("downloading compiler", zap.String("version", descriptor.CanonicalBuild), zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(s.cfg.CacheDir, "solc-download-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	tmp.Close()
	if err := os.Chmod(tmpName, 0o755); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	return path, nil
}

func (s *Store) binaryPath(descriptor catalog.Descriptor) string {
	name := "solc-" + descriptor.CanonicalBuild
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(s.cfg.CacheDir, name)
}

func platformDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "macosx-amd64"
	case "windows":
		return "windows-amd64"
	default:
		return "linux-amd64"
	}
}

func (s *Store) statDBKey(canonicalBuild string) []byte {
	return []byte("compilerstore/stat/" + canonicalBuild)
}

func (s *Store) persistStat(canonicalBuild string, h *Handle) {
	if s.cfg.DB == nil {
		return
	}
	data, err := json.Marshal(stat{UseCount: h.useCount, LastUsed: h.lastUsed, Path: h.BinaryPath})
	if err != nil {
		return
	}
	if err := s.cfg.DB.Set(s.statDBKey(canonicalBuild), data, pebble.Sync); err != nil {
		s.log.Warn("failed to persist compiler stats", zap.Error(err))
	}
}

func (s *Store) loadStat(canonicalBuild string) (stat, bool) {
	if s.cfg.DB == nil {
		return stat{}, false
	}
	data, closer, err := s.cfg.DB.Get(s.statDBKey(canonicalBuild))
	if err != nil {
		return stat{}, false
	}
	defer closer.Close()

	var st stat
	if err := json.Unmarshal(data, &st); err != nil {
		return stat{}, false
	}
	return st, true
}

// WarmLen reports the current size of the in-memory warm set, primarily
// for tests and metrics.
func (s *Store) WarmLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.warm)
}
