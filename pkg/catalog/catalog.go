// Package catalog implements the Version Catalog: resolving a
// user-supplied compiler version shorthand against the authoritative
// solc-bin release index.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/studioplatforms/contract-verifier/internal/constants"
)

// Errors returned by the catalog.
var (
	// ErrUnknownVersion is returned when the shorthand has no entry in the
	// release index.
	ErrUnknownVersion = errors.New("unknown compiler version")

	// ErrCatalogUnavailable is returned after retries are exhausted
	// fetching the release index.
	ErrCatalogUnavailable = errors.New("release index unavailable")
)

// Descriptor is a Compiler Descriptor: a canonical build identity plus
// the URL the binary can be downloaded from.
type Descriptor struct {
	Version        string // "major.minor.patch"
	CanonicalBuild string // e.g. "0.8.20+commit.a1b79de6"
	SourceURL      string
}

// releaseList is the shape of solc-bin's list.json.
type releaseList struct {
	Builds []struct {
		Version     string `json:"version"`
		Build       string `json:"build"`
		Path        string `json:"path"`
		LongVersion string `json:"longVersion"`
	} `json:"builds"`
	Releases map[string]string `json:"releases"`
}

// Config configures a Catalog.
type Config struct {
	ReleaseIndexURL string
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	HTTPClient      *http.Client
	Limiter         *rate.Limiter
	Logger          *zap.Logger

	// DB, if non-nil, is used to persist the last good release index so a
	// cold process can resolve versions before the network responds.
	DB *pebble.DB
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.ReleaseIndexURL == "" {
		cfg.ReleaseIndexURL = constants.DefaultReleaseIndexURL
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = constants.CatalogRetryAttempts
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = constants.CatalogRetryBaseDelay
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = constants.CatalogRetryMaxDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &cfg
}

const releaseIndexDBKey = "catalog/release-index"

// Catalog resolves version shorthands against the authoritative release
// index. One instance is constructed at startup and shared across
// requests (read-mostly memoized table, single writer lock), per
// spec.md §9's dependency-injection redesign note.
type Catalog struct {
	cfg *Config
	log *zap.Logger

	mu       sync.RWMutex
	resolved map[string]Descriptor
	etag     string
}

// New constructs a Catalog.
func New(cfg *Config) *Catalog {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.withDefaults()
	return &Catalog{
		cfg:      cfg,
		log:      cfg.Logger.Named("version_catalog"),
		resolved: make(map[string]Descriptor),
	}
}

// Resolve maps a version shorthand ("X.Y.Z" or "X.Y.Z+commit.<hex>") to a
// CompilerDescriptor. Results are memoized in-process.
func (c *Catalog) Resolve(ctx context.Context, shorthand string) (Descriptor, error) {
	c.mu.RLock()
	if d, ok := c.resolved[shorthand]; ok {
		c.mu.RUnlock()
		return d, nil
	}
	c.mu.RUnlock()

	list, err := c.fetchWithRetry(ctx)
	if err != nil {
		return Descriptor{}, err
	}

	d, ok := lookup(list, shorthand)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownVersion, shorthand)
	}
	// The release index lists binary paths relative to its own location.
	if ref, err := url.Parse(d.SourceURL); err == nil {
		if base, err := url.Parse(c.cfg.ReleaseIndexURL); err == nil {
			d.SourceURL = base.ResolveReference(ref).String()
		}
	}

	c.mu.Lock()
	c.resolved[shorthand] = d
	c.mu.Unlock()

	return d, nil
}

func lookup(list *releaseList, shorthand string) (Descriptor, bool) {
	for _, b := range list.Builds {
		if b.Version == shorthand || b.LongVersion == shorthand {
			return Descriptor{
				Version:        b.Version,
				CanonicalBuild: b.LongVersion,
				SourceURL:      b.Path,
			}, true
		}
	}
	if path, ok := list.Releases[shorthand]; ok {
		return Descriptor{
			Version:        shorthand,
			CanonicalBuild: path,
			SourceURL:      path,
		}, true
	}
	return Descriptor{}, false
}

// fetchWithRetry fetches and caches the release index, retrying network
// failures up to RetryAttempts times with exponential backoff.
func (c *Catalog) fetchWithRetry(ctx context.Context) (*releaseList, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	delay := c.cfg.RetryBaseDelay
	maxAttempts := c.cfg.RetryAttempts + 1 // the first try plus RetryAttempts retries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		list, err := c.fetchOnce(ctx)
		if err == nil {
			c.persist(list)
			return list, nil
		}
		lastErr = err
		c.log.Warn("release index fetch failed",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.RetryMaxDelay {
			delay = c.cfg.RetryMaxDelay
		}
	}

	if cached, ok := c.loadPersisted(); ok {
		c.log.Warn("serving release index from disk cache after network exhaustion", zap.Error(lastErr))
		return cached, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, lastErr)
}

func (c *Catalog) fetchOnce(ctx context.Context) (*releaseList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ReleaseIndexURL, nil)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	etag := c.etag
	c.mu.RUnlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		if cached, ok := c.loadPersisted(); ok {
			return cached, nil
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release index returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var list releaseList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse release index: %w", err)
	}

	if tag := resp.Header.Get("ETag"); tag != "" {
		c.mu.Lock()
		c.etag = tag
		c.mu.Unlock()
	}

	return &list, nil
}

func (c *Catalog) persist(list *releaseList) {
	if c.cfg.DB == nil {
		return
	}
	data, err := json.Marshal(list)
	if err != nil {
		return
	}
	if err := c.cfg.DB.Set([]byte(releaseIndexDBKey), data, pebble.Sync); err != nil {
		c.log.Warn("failed to persist release index cache", zap.Error(err))
	}
}

func (c *Catalog) loadPersisted() (*releaseList, bool) {
	if c.cfg.DB == nil {
		return nil, false
	}
	data, closer, err := c.cfg.DB.Get([]byte(releaseIndexDBKey))
	if err != nil {
		return nil, false
	}
	defer closer.Close()

	var list releaseList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, false
	}
	return &list, true
}
