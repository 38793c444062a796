// Package constants centralizes default values and bounds shared across the
// verification engine's components.
package constants

import "time"

// Version Catalog (C1) constants
const (
	// DefaultReleaseIndexURL is the authoritative solc-bin release list.
	DefaultReleaseIndexURL = "https://binaries.soliditylang.org/bin/list.json"

	// CatalogRetryAttempts is the number of retries for a release-index fetch
	// before surfacing a fatal error.
	CatalogRetryAttempts = 3

	// CatalogRetryBaseDelay is the base delay for the catalog's exponential backoff.
	CatalogRetryBaseDelay = 250 * time.Millisecond

	// CatalogRetryMaxDelay caps the catalog's exponential backoff.
	CatalogRetryMaxDelay = 2 * time.Second
)

// Compiler Store (C2) constants
const (
	// DefaultCompilerCacheDir is the default on-disk cache directory for solc binaries.
	DefaultCompilerCacheDir = "./solc-bin"

	// DefaultMaxWarm bounds the in-memory set of loaded compiler handles.
	DefaultMaxWarm = 10

	// MinMaxWarm is the smallest allowed warm-set size.
	MinMaxWarm = 1
)

// Compilation Driver (C6) constants
const (
	// DefaultCompileTimeout bounds a single compilation's wall-clock duration.
	DefaultCompileTimeout = 120 * time.Second

	// DefaultOptimizerRuns is the default for config's
	// CompileConfig.DefaultOptimizerRuns.
	DefaultOptimizerRuns = 200

	// DefaultMaxSourceBytes bounds the total size of an accepted source bundle.
	DefaultMaxSourceBytes = 20_000_000
)

// Compilation Cache (C7) constants
const (
	// DefaultCacheCapacity bounds the number of memoized compilation artifacts.
	DefaultCacheCapacity = 256
)

// Bytecode Canonicalizer & Matcher (C8) constants
const (
	// MetadataSuffixLength is the fixed length, in bytes, of the trailing
	// Solidity metadata hash appended to runtime bytecode.
	MetadataSuffixLength = 43

	// LibraryPlaceholderLength is the length, in hex characters, of an
	// unlinked library placeholder token (40 hex chars == 20 bytes).
	LibraryPlaceholderLength = 40
)

// Retry and backoff shared across network-facing components.
const (
	// MaxRetryAttempts bounds retried network operations outside the catalog.
	MaxRetryAttempts = 3

	// InitialRetryDelay is the first retry delay for exponential backoff.
	InitialRetryDelay = 250 * time.Millisecond

	// MaxRetryDelay caps exponential backoff delay.
	MaxRetryDelay = 2 * time.Second
)
