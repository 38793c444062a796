// Package verifyengine implements the Verifier: the state machine that
// orchestrates catalog resolution, compiler loading, compilation, and
// bytecode matching into a single verification verdict.
package verifyengine

import (
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/studioplatforms/contract-verifier/internal/recordstore"
	"github.com/studioplatforms/contract-verifier/pkg/bytecodematch"
	"github.com/studioplatforms/contract-verifier/pkg/catalog"
	"github.com/studioplatforms/contract-verifier/pkg/compilecache"
	"github.com/studioplatforms/contract-verifier/pkg/compileengine"
	"github.com/studioplatforms/contract-verifier/pkg/compilerstore"
	"github.com/studioplatforms/contract-verifier/pkg/evmtarget"
	"github.com/studioplatforms/contract-verifier/pkg/flatten"
	"github.com/studioplatforms/contract-verifier/pkg/vfs"
)

// StoreLoader adapts a *compilerstore.Store to the CompilerLoader seam
// verifyengine depends on.
type StoreLoader struct {
	Store *compilerstore.Store
}

// Load satisfies CompilerLoader.
func (s StoreLoader) Load(ctx context.Context, descriptor catalog.Descriptor) (compileengine.CompilerBinary, error) {
	return s.Store.Load(ctx, descriptor)
}

// Kind discriminates a Verdict's outcome, per spec.md §3.
type Kind string

const (
	KindVerified          Kind = "VERIFIED"
	KindMismatch          Kind = "MISMATCH"
	KindInputInvalid      Kind = "INPUT_INVALID"
	KindCompilationFailed Kind = "COMPILATION_FAILED"
)

// Verdict is the public, discriminated result of a Verify call.
type Verdict struct {
	Kind   Kind
	Reason string

	Artifact  *compileengine.Artifact
	EVMTarget string
	EVMNote   evmtarget.Note

	Warnings []string
}

// CompilerLoader loads a usable compiler handle for a resolved
// descriptor. StoreLoader adapts a pkg/compilerstore.Store to it, so
// verifyengine never depends on download/eviction details.
type CompilerLoader interface {
	Load(ctx context.Context, descriptor catalog.Descriptor) (compileengine.CompilerBinary, error)
}

// CodeFetcher retrieves the deployed runtime bytecode for an on-chain
// address, used when Request.OnChainBytecode is not supplied directly.
type CodeFetcher interface {
	CodeAt(ctx context.Context, address string) (string, error)
}

// Request is one verification request, per spec.md §6.
type Request struct {
	SourceUnits   map[string]string
	MainUnit      string
	ContractName  string

	CompilerVersion string // shorthand, resolved via the Catalog
	OptimizerOn     bool
	OptimizerRuns   int
	EVMTarget       string // requested, may be overridden
	Libraries       map[string]string
	ConstructorArgs string // hex, "0x" prefix tolerated

	OnChainAddress  string
	OnChainBytecode string // literal bytecode; bypasses CodeFetcher when set
}

// Metrics holds the Prometheus instruments the Verifier updates.
type Metrics struct {
	Verdicts        *prometheus.CounterVec
	CompileDuration prometheus.Histogram
}

// NewMetrics constructs and registers Metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verify_verdicts_total",
			Help: "Verification verdicts by kind.",
		}, []string{"kind"}),
		CompileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "verify_compile_duration_seconds",
			Help:    "Wall-clock duration of a single compile attempt.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Verdicts, m.CompileDuration)
	return m
}

// Config wires a Verifier's collaborators.
type Config struct {
	Catalog     *catalog.Catalog
	Compilers   CompilerLoader
	Cache       *compilecache.Cache
	Records     recordstore.Registry
	CodeFetcher CodeFetcher
	Metrics     *Metrics
	Logger      *zap.Logger

	// MaxSourceBytes bounds the summed size of an accepted source
	// bundle. Zero means unbounded.
	MaxSourceBytes int64
}

// Verifier orchestrates C1 through C8 into a single Verify call. It
// holds no mutable state of its own beyond its collaborators, and a
// single instance is constructed at startup and shared, per spec.md §9.
type Verifier struct {
	cfg *Config
	log *zap.Logger
}

// New constructs a Verifier.
func New(cfg *Config) *Verifier {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Verifier{cfg: cfg, log: cfg.Logger.Named("verifier")}
}

func invalid(reason string) Verdict {
	return Verdict{Kind: KindInputInvalid, Reason: reason}
}

func failed(reason string) Verdict {
	return Verdict{Kind: KindCompilationFailed, Reason: reason}
}

// Verify executes the full state machine: accept, validate, resolve
// EVM target, load compiler, compile (multi-unit, falling back to a
// flattened single-unit compile on failure), match, verdict.
func (v *Verifier) Verify(ctx context.Context, req Request) (Verdict, error) {
	verdict, err := v.verify(ctx, req)
	if v.cfg.Metrics != nil {
		v.cfg.Metrics.Verdicts.WithLabelValues(string(verdict.Kind)).Inc()
	}
	return verdict, err
}

func (v *Verifier) verify(ctx context.Context, req Request) (Verdict, error) {
	mainUnit, verdict, ok := v.validate(req)
	if !ok {
		return verdict, nil
	}
	req.MainUnit = mainUnit

	descriptor, err := v.cfg.Catalog.Resolve(ctx, req.CompilerVersion)
	if err != nil {
		return failed(fmt.Sprintf("compiler resolution failed: %v", err)), nil
	}

	target, note := evmtarget.Choose(descriptor.Version, req.EVMTarget)

	binary, err := v.cfg.Compilers.Load(ctx, descriptor)
	if err != nil {
		return failed(fmt.Sprintf("compiler load failed: %v", err)), nil
	}

	onChain, err := v.onChainBytecode(ctx, req)
	if err != nil {
		return invalid(fmt.Sprintf("unable to fetch on-chain bytecode: %v", err)), nil
	}

	in := compileengine.Input{
		Sources:       req.SourceUnits,
		MainUnit:      req.MainUnit,
		ContractName:  req.ContractName,
		OptimizerOn:   req.OptimizerOn,
		OptimizerRuns: req.OptimizerRuns,
		EVMTarget:     target,
		Libraries:     req.Libraries,
	}

	artifact, warnings, err := v.compile(ctx, binary, in, descriptor.CanonicalBuild)
	if err != nil {
		return failed(err.Error()), nil
	}

	libOffsets := []int(nil) // library-placement offsets are recovered from the placeholder scan itself
	matchVerdict, err := bytecodematch.MatchWithDeployFallback(onChain, artifact.RuntimeBytecode, artifact.DeployBytecode, req.ConstructorArgs, libOffsets)
	if err != nil {
		return invalid(err.Error()), nil
	}

	result := Verdict{
		Kind:      KindMismatch,
		Reason:    string(matchVerdict.Reason),
		Artifact:  artifact,
		EVMTarget: target,
		EVMNote:   note,
		Warnings:  warnings,
	}
	if matchVerdict.Verified {
		result.Kind = KindVerified
		result.Reason = ""

		if v.cfg.Records != nil && req.OnChainAddress != "" {
			record := recordstore.Record{
				Address:         req.OnChainAddress,
				ABI:             string(artifact.ABI),
				SourceBundle:    req.SourceUnits,
				CompilerVersion: descriptor.CanonicalBuild,
				OptimizerOn:     req.OptimizerOn,
				OptimizerRuns:   req.OptimizerRuns,
				EVMTarget:       target,
				Libraries:       req.Libraries,
				ConstructorArgs: req.ConstructorArgs,
				VerifiedAt:      time.Now(),
				IsMultiUnit:     len(req.SourceUnits) > 1,
				MainUnitName:    req.MainUnit,
			}
			if err := v.cfg.Records.Set(record); err != nil {
				v.log.Warn("failed to persist verification record", zap.Error(err))
			}
		}
	}

	return result, nil
}

// compile attempts a multi-unit Standard-JSON compile; on failure, it
// flattens the source bundle into a single unit and retries once,
// per spec.md §4.9 — some compilation failures are import-resolution
// artifacts the flattener alone fixes. Results are memoized by
// Compilation Input Key, so a repeated request for the same inputs
// never re-invokes the compiler.
func (v *Verifier) compile(ctx context.Context, binary compileengine.CompilerBinary, in compileengine.Input, canonicalBuild string) (*compileengine.Artifact, []string, error) {
	key := compilecache.Key(compilecache.KeyInputs{
		Content:        multiUnitDigestInput(in.Sources),
		CanonicalBuild: canonicalBuild,
		ContractName:   in.ContractName,
		OptimizerOn:    in.OptimizerOn,
		OptimizerRuns:  in.OptimizerRuns,
		Libraries:      in.Libraries,
		EVMTarget:      in.EVMTarget,
	})

	var warnings []string
	compute := func(ctx context.Context) (any, error) {
		start := time.Now()
		artifact, err := compileengine.Compile(ctx, binary, in)
		if v.cfg.Metrics != nil {
			v.cfg.Metrics.CompileDuration.Observe(time.Since(start).Seconds())
		}
		if err == nil {
			return artifact, nil
		}

		flat, flatErr := v.flattenFallback(in)
		if flatErr != nil {
			return nil, err
		}
		warnings = append(warnings, "multi-unit compilation failed; retried against a flattened single unit")
		artifact, retryErr := compileengine.Compile(ctx, binary, flat)
		if retryErr != nil {
			return nil, err
		}
		return artifact, nil
	}

	if v.cfg.Cache == nil {
		artifact, err := compute(ctx)
		if err != nil {
			return nil, nil, err
		}
		return artifact.(*compileengine.Artifact), warnings, nil
	}

	value, err := v.cfg.Cache.Get(ctx, key, compute)
	if err != nil {
		return nil, nil, err
	}
	return value.(*compileengine.Artifact), warnings, nil
}

// flattenFallback reduces a multi-unit source bundle to a single
// flattened unit, for compilers or requests that cannot resolve the
// original import graph directly.
func (v *Verifier) flattenFallback(in compileengine.Input) (compileengine.Input, error) {
	fs := vfs.New()
	bundle := make(map[string][]byte, len(in.Sources))
	for name, content := range in.Sources {
		bundle[name] = []byte(content)
	}
	fs.Install(bundle)

	entry, ok := in.Sources[in.MainUnit]
	if !ok {
		return compileengine.Input{}, fmt.Errorf("flatten fallback: main unit %q not in source bundle", in.MainUnit)
	}

	result, err := flatten.Flatten(fs, []byte(entry), in.MainUnit, "UNLICENSED", "^0.8.0")
	if err != nil {
		return compileengine.Input{}, err
	}

	flat := in
	flat.Sources = map[string]string{in.MainUnit: result.Source}
	return flat, nil
}

func multiUnitDigestInput(sources map[string]string) []byte {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(0)
		b.WriteString(sources[name])
		b.WriteByte(0)
	}
	return []byte(b.String())
}

func (v *Verifier) onChainBytecode(ctx context.Context, req Request) (string, error) {
	if req.OnChainBytecode != "" {
		return req.OnChainBytecode, nil
	}
	if v.cfg.CodeFetcher == nil {
		return "", fmt.Errorf("no on-chain bytecode supplied and no code fetcher configured")
	}
	return v.cfg.CodeFetcher.CodeAt(ctx, req.OnChainAddress)
}

// validate implements spec.md §4.9's input-validation step. It returns
// the resolved main unit name (auto-detected when req.MainUnit is
// empty) and ok=false together with an InputInvalid verdict when req
// fails any check.
func (v *Verifier) validate(req Request) (string, Verdict, bool) {
	if len(req.SourceUnits) == 0 {
		return "", invalid("at least one source unit is required"), false
	}
	if req.ContractName == "" {
		return "", invalid("contract name is required"), false
	}

	mainUnit := req.MainUnit
	if mainUnit == "" {
		resolved, ok := resolveMainUnit(req.SourceUnits, req.ContractName)
		if !ok {
			return "", invalid("unable to auto-detect main unit: no source unit matches the contract name"), false
		}
		mainUnit = resolved
	} else if _, ok := req.SourceUnits[mainUnit]; !ok {
		return "", invalid("main unit not present in source bundle"), false
	}

	if v.cfg.MaxSourceBytes > 0 {
		var total int64
		for _, content := range req.SourceUnits {
			total += int64(len(content))
		}
		if total > v.cfg.MaxSourceBytes {
			return "", invalid(fmt.Sprintf("source bundle of %d bytes exceeds the %d byte limit", total, v.cfg.MaxSourceBytes)), false
		}
	}

	if req.CompilerVersion == "" {
		return "", invalid("compiler version is required"), false
	}
	if req.OnChainBytecode == "" && req.OnChainAddress == "" {
		return "", invalid("either on-chain bytecode or an on-chain address is required"), false
	}
	if req.OnChainAddress != "" && !common.IsHexAddress(req.OnChainAddress) {
		return "", invalid("on-chain address is not a well-formed hex address"), false
	}
	if req.ConstructorArgs != "" {
		trimmed := strings.TrimPrefix(strings.TrimPrefix(req.ConstructorArgs, "0x"), "0X")
		if _, err := hex.DecodeString(trimmed); err != nil {
			return "", invalid("constructor arguments are not valid hex"), false
		}
	}
	for key, addr := range req.Libraries {
		if !common.IsHexAddress(addr) {
			return "", invalid(fmt.Sprintf("library %q address is not a well-formed hex address", key)), false
		}
	}
	return mainUnit, Verdict{}, true
}

// contractDeclRe matches a top-level "contract <Name>" declaration,
// tolerant of an "abstract" prefix and trailing "is"/"{".
var contractDeclRe = regexp.MustCompile(`(?m)^\s*(?:abstract\s+)?contract\s+([A-Za-z_][A-Za-z0-9_]*)`)

// resolveMainUnit locates the entry unit for contractName, per
// spec.md §3: first an exact "<Name>.sol" match, then a scan for a
// "contract <Name>" declaration, then the lexicographically-first
// unit name as a deterministic stand-in for "first inserted" (Go maps
// carry no insertion order).
func resolveMainUnit(units map[string]string, contractName string) (string, bool) {
	if _, ok := units[contractName+".sol"]; ok {
		return contractName + ".sol", true
	}

	names := make([]string, 0, len(units))
	for name := range units {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, m := range contractDeclRe.FindAllStringSubmatch(units[name], -1) {
			if m[1] == contractName {
				return name, true
			}
		}
	}

	if len(names) > 0 {
		return names[0], true
	}
	return "", false
}
