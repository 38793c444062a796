package verifyengine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioplatforms/contract-verifier/internal/recordstore"
	"github.com/studioplatforms/contract-verifier/pkg/catalog"
	"github.com/studioplatforms/contract-verifier/pkg/compilecache"
	"github.com/studioplatforms/contract-verifier/pkg/compileengine"
)

var (
	fakeBody     = strings.Repeat("60", 50)
	fakeMetadata = strings.Repeat("aa", 43)
	fakeRuntime  = fakeBody + fakeMetadata
)

var fakeOutput = fmt.Sprintf(`{
  "contracts": {
    "Main.sol": {
      "Greeter": {
        "abi": [],
        "evm": {
          "bytecode": {"object": "%s"},
          "deployedBytecode": {"object": "%s"}
        },
        "metadata": "{}"
      }
    }
  }
}`, fakeRuntime, fakeRuntime)

type fakeBinary struct{ output string }

func (f fakeBinary) Compile(ctx context.Context, stdinJSON []byte) ([]byte, error) {
	return []byte(f.output), nil
}

type fakeLoader struct{ binary compileengine.CompilerBinary }

func (f fakeLoader) Load(ctx context.Context, descriptor catalog.Descriptor) (compileengine.CompilerBinary, error) {
	return f.binary, nil
}

type fakeCodeFetcher struct{ code string }

func (f fakeCodeFetcher) CodeAt(ctx context.Context, address string) (string, error) {
	return f.code, nil
}

func fakeCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"releases": {"0.8.20": "v0.8.20+commit.a1b79de6"}}`)
	}))
	t.Cleanup(srv.Close)
	return catalog.New(&catalog.Config{ReleaseIndexURL: srv.URL})
}

func newVerifier(t *testing.T, onChainCode string) *Verifier {
	t.Helper()
	cfg := &Config{
		Catalog:     fakeCatalog(t),
		Compilers:   fakeLoader{binary: fakeBinary{output: fakeOutput}},
		Cache:       compilecache.New(10),
		Records:     recordstore.NewMemory(),
		CodeFetcher: fakeCodeFetcher{code: onChainCode},
		Metrics:     NewMetrics(prometheus.NewRegistry()),
	}
	return New(cfg)
}

func baseRequest() Request {
	return Request{
		SourceUnits:     map[string]string{"Main.sol": "contract Greeter {}"},
		MainUnit:        "Main.sol",
		ContractName:    "Greeter",
		CompilerVersion: "0.8.20",
		OnChainAddress:  "0x0000000000000000000000000000000000000001",
	}
}

func TestVerify_ExactMatchIsVerified(t *testing.T) {
	v := newVerifier(t, fakeRuntime)
	verdict, err := v.Verify(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, KindVerified, verdict.Kind)

	verified, err := v.cfg.Records.IsVerified("0x0000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.True(t, verified, "a verified verdict should persist a record")
}

func TestVerify_BodiesDifferIsMismatch(t *testing.T) {
	differentBody := strings.Repeat("61", 50) + fakeMetadata
	v := newVerifier(t, differentBody)
	verdict, err := v.Verify(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, KindMismatch, verdict.Kind)
}

func TestVerify_MissingSourceUnitsIsInputInvalid(t *testing.T) {
	v := newVerifier(t, fakeRuntime)
	req := baseRequest()
	req.SourceUnits = nil

	verdict, err := v.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, KindInputInvalid, verdict.Kind)
}

func TestVerify_MalformedAddressIsInputInvalid(t *testing.T) {
	v := newVerifier(t, fakeRuntime)
	req := baseRequest()
	req.OnChainAddress = "not-an-address"

	verdict, err := v.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, KindInputInvalid, verdict.Kind)
}

func TestVerify_LiteralBytecodeBypassesCodeFetcher(t *testing.T) {
	v := newVerifier(t, "should-not-be-used")
	req := baseRequest()
	req.OnChainAddress = ""
	req.OnChainBytecode = fakeRuntime

	verdict, err := v.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, KindVerified, verdict.Kind)
}

func TestVerify_AutoDetectsMainUnitByFileName(t *testing.T) {
	v := newVerifier(t, fakeRuntime)
	req := baseRequest()
	req.MainUnit = ""
	req.SourceUnits = map[string]string{"Greeter.sol": "contract Greeter {}"}

	verdict, err := v.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, KindVerified, verdict.Kind)
}

func TestVerify_AutoDetectsMainUnitByContractDeclaration(t *testing.T) {
	v := newVerifier(t, fakeRuntime)
	req := baseRequest()
	req.MainUnit = ""
	req.SourceUnits = map[string]string{
		"Lib.sol":  "library Helper {}",
		"Main.sol": "contract Greeter {}",
	}

	verdict, err := v.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, KindVerified, verdict.Kind)
}

func TestVerify_SourceBundleOverMaxBytesIsInputInvalid(t *testing.T) {
	cfg := &Config{
		Catalog:        fakeCatalog(t),
		Compilers:      fakeLoader{binary: fakeBinary{output: fakeOutput}},
		Cache:          compilecache.New(10),
		Records:        recordstore.NewMemory(),
		CodeFetcher:    fakeCodeFetcher{code: fakeRuntime},
		Metrics:        NewMetrics(prometheus.NewRegistry()),
		MaxSourceBytes: 4,
	}
	v := New(cfg)

	verdict, err := v.Verify(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, KindInputInvalid, verdict.Kind)
}

func TestResolveMainUnit_FirstInsertedFallbackIsDeterministic(t *testing.T) {
	units := map[string]string{"B.sol": "contract Other {}", "A.sol": "contract Another {}"}
	name, ok := resolveMainUnit(units, "Greeter")
	require.True(t, ok)
	assert.Equal(t, "A.sol", name)
}
