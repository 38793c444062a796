// Command verifyctl runs a single source-to-bytecode verification and
// prints the resulting verdict as JSON, optionally serving a narrow
// ops HTTP endpoint (/healthz, /metrics) alongside it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/studioplatforms/contract-verifier/internal/config"
	"github.com/studioplatforms/contract-verifier/internal/logger"
	"github.com/studioplatforms/contract-verifier/internal/recordstore"
	"github.com/studioplatforms/contract-verifier/pkg/catalog"
	"github.com/studioplatforms/contract-verifier/pkg/compilecache"
	"github.com/studioplatforms/contract-verifier/pkg/compilerstore"
	"github.com/studioplatforms/contract-verifier/pkg/verifyengine"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configFile      = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion     = flag.Bool("version", false, "Show version information and exit")
		sourcePath      = flag.String("source", "", "Path to a Solidity source file or a directory of source units")
		mainUnit        = flag.String("main-unit", "", "Name of the main source unit (defaults to the base name of -source when it is a file; auto-detected for a directory)")
		contractName    = flag.String("contract", "", "Contract name to verify")
		compilerVersion = flag.String("compiler-version", "", "Compiler version shorthand, e.g. 0.8.20")
		optimizer       = flag.Bool("optimizer", false, "Enable the optimizer")
		optimizerRuns   = flag.Int("optimizer-runs", 200, "Optimizer run count")
		evmTarget       = flag.String("evm-target", "", "Requested EVM target (falls back to the compiler's default)")
		libraries       = flag.String("libraries", "", "Comma-separated unit:Name=address pairs")
		constructorArgs = flag.String("constructor-args", "", "Hex-encoded constructor arguments")
		address         = flag.String("address", "", "On-chain contract address")
		bytecode        = flag.String("bytecode", "", "Literal on-chain bytecode (bypasses -rpc)")
		rpcEndpoint     = flag.String("rpc", "", "Ethereum JSON-RPC endpoint used to fetch on-chain bytecode when -bytecode is not set")
		enableOps       = flag.Bool("ops", false, "Start the /healthz and /metrics HTTP server")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("verifyctl version %s (%s)\n", version, commit)
		os.Exit(0)
	}

	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *enableOps {
		cfg.Ops.Enabled = true
	}

	log, err := logger.NewWithConfig(&logger.Config{Level: cfg.Log.Level, Encoding: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *sourcePath == "" || *contractName == "" || *compilerVersion == "" {
		log.Fatal("missing required flags", zap.String("usage", "-source, -contract, and -compiler-version are required"))
	}

	sources, resolvedMainUnit, err := loadSources(*sourcePath, *mainUnit)
	if err != nil {
		log.Fatal("failed to load source units", zap.Error(err))
	}

	libs, err := parseLibraries(*libraries)
	if err != nil {
		log.Fatal("failed to parse -libraries", zap.Error(err))
	}

	registry := prometheus.NewRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Compile.Timeout)
	defer cancel()

	cat := catalog.New(&catalog.Config{
		ReleaseIndexURL: cfg.Catalog.ReleaseIndexURL,
		RetryAttempts:   cfg.Catalog.RetryAttempts,
		RetryBaseDelay:  cfg.Catalog.RetryBaseDelay,
		RetryMaxDelay:   cfg.Catalog.RetryMaxDelay,
		Logger:          log,
	})
	store := compilerstore.New(&compilerstore.Config{
		CacheDir: cfg.Store.CacheDir,
		MaxWarm:  cfg.Store.MaxWarm,
		Logger:   log,
	})

	var codeFetcher verifyengine.CodeFetcher
	if *bytecode == "" && *rpcEndpoint != "" {
		cf, err := newRPCCodeFetcher(*rpcEndpoint)
		if err != nil {
			log.Fatal("failed to connect to RPC endpoint", zap.Error(err))
		}
		codeFetcher = cf
	}

	verifier := verifyengine.New(&verifyengine.Config{
		Catalog:        cat,
		Compilers:      verifyengine.StoreLoader{Store: store},
		Cache:          compilecache.New(cfg.Cache.Capacity),
		Records:        recordstore.NewMemory(),
		CodeFetcher:    codeFetcher,
		Metrics:        verifyengine.NewMetrics(registry),
		Logger:         log,
		MaxSourceBytes: cfg.Compile.MaxSourceBytes,
	})

	if cfg.Ops.Enabled {
		go runOpsServer(log, cfg.Ops.Host, cfg.Ops.Port, registry)
	}

	verdict, err := verifier.Verify(ctx, verifyengine.Request{
		SourceUnits:     sources,
		MainUnit:        resolvedMainUnit,
		ContractName:    *contractName,
		CompilerVersion: *compilerVersion,
		OptimizerOn:     *optimizer,
		OptimizerRuns:   *optimizerRuns,
		EVMTarget:       *evmTarget,
		Libraries:       libs,
		ConstructorArgs: *constructorArgs,
		OnChainAddress:  *address,
		OnChainBytecode: *bytecode,
	})
	if err != nil {
		log.Fatal("verification failed", zap.Error(err))
	}

	out, err := json.MarshalIndent(verdict, "", "  ")
	if err != nil {
		log.Fatal("failed to marshal verdict", zap.Error(err))
	}
	fmt.Println(string(out))

	if verdict.Kind != verifyengine.KindVerified {
		os.Exit(1)
	}
}

// loadSources reads sourcePath into a source-unit map. A single file
// becomes the sole, main unit; a directory is walked non-recursively,
// with each .sol file becoming one unit named by its base name. When
// mainUnit is empty and sourcePath is a directory, the main unit is
// left unresolved here and auto-detected downstream by the Verifier.
func loadSources(sourcePath, mainUnit string) (map[string]string, string, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, "", err
	}

	if !info.IsDir() {
		content, err := os.ReadFile(sourcePath)
		if err != nil {
			return nil, "", err
		}
		name := filepath.Base(sourcePath)
		return map[string]string{name: string(content)}, name, nil
	}

	entries, err := os.ReadDir(sourcePath)
	if err != nil {
		return nil, "", err
	}

	sources := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sol") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(sourcePath, e.Name()))
		if err != nil {
			return nil, "", err
		}
		sources[e.Name()] = string(content)
	}
	return sources, mainUnit, nil
}

// parseLibraries parses "unit:Name=address,unit:Name2=address2" into the
// map format compileengine.Input.Libraries expects.
func parseLibraries(spec string) (map[string]string, error) {
	if spec == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("malformed library entry %q, expected unit:Name=address", pair)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}

// rpcCodeFetcher fetches deployed bytecode over a live JSON-RPC
// connection, grounded on the teacher's ethclient wrapping pattern.
type rpcCodeFetcher struct {
	client *ethclient.Client
}

func newRPCCodeFetcher(endpoint string) (*rpcCodeFetcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC endpoint: %w", err)
	}
	return &rpcCodeFetcher{client: c}, nil
}

func (f *rpcCodeFetcher) CodeAt(ctx context.Context, address string) (string, error) {
	code, err := f.client.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("0x%x", code), nil
}

func runOpsServer(log *zap.Logger, host string, port int, registry *prometheus.Registry) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", host, port)
	log.Info("ops server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Error("ops server stopped", zap.Error(err))
	}
}
