// Package compileengine implements the Compilation Driver: constructing
// Standard-JSON compiler input, invoking a compiler binary through a
// narrow seam, and partitioning its Standard-JSON output into
// diagnostics and an extracted contract artifact.
package compileengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCompilationFailed is returned when solc reports one or more
// error-severity diagnostics, or produces no contracts at all.
var ErrCompilationFailed = errors.New("compilation failed")

// ErrContractNotPresent is returned when compilation succeeds but the
// requested contract name is absent from the output.
var ErrContractNotPresent = errors.New("contract not present in compilation output")

// CompilerBinary is the narrow seam compileengine uses to invoke a
// compiler. pkg/compilerstore.Handle satisfies it; tests fake it
// without a real solc binary.
type CompilerBinary interface {
	Compile(ctx context.Context, stdinJSON []byte) ([]byte, error)
}

// Input describes one compilation request.
type Input struct {
	// Sources maps unit name (the "main" unit plus any imports the
	// flattener did not already inline) to source text.
	Sources map[string]string
	// MainUnit is the unit name containing ContractName.
	MainUnit     string
	ContractName string

	OptimizerOn   bool
	OptimizerRuns int
	EVMTarget     string

	// Libraries maps "unit:libraryName" to a deployed address, per
	// Standard-JSON's settings.libraries layout.
	Libraries map[string]string
}

// Diagnostic is one entry from solc's Standard-JSON "errors" array.
type Diagnostic struct {
	Severity string
	Message  string
	Type     string
}

// Fatal reports whether the diagnostic should abort compilation.
func (d Diagnostic) Fatal() bool {
	return d.Severity == "error"
}

// ImmutableReference describes one immutable-variable splice location
// within a contract's deployed bytecode, carried through from solc's
// output but not matched against (spec.md §9 Open Question).
type ImmutableReference struct {
	Start  int
	Length int
}

// Artifact is the extracted, per-contract compilation result.
type Artifact struct {
	ABI                 json.RawMessage
	DeployBytecode      string
	RuntimeBytecode     string
	Metadata            string
	ImmutableReferences map[string][]ImmutableReference
	Diagnostics         []Diagnostic
}

// standardJSONInput mirrors solc's Standard-JSON input schema, narrowed
// to the fields this engine populates.
type standardJSONInput struct {
	Language string `json:"language"`
	Sources  map[string]struct {
		Content string `json:"content"`
	} `json:"sources"`
	Settings struct {
		Optimizer struct {
			Enabled bool `json:"enabled"`
			Runs    int  `json:"runs"`
		} `json:"optimizer"`
		EVMVersion      string                       `json:"evmVersion,omitempty"`
		Libraries       map[string]map[string]string `json:"libraries,omitempty"`
		OutputSelection map[string]map[string][]string `json:"outputSelection"`
	} `json:"settings"`
}

// standardJSONOutput mirrors solc's Standard-JSON output schema.
type standardJSONOutput struct {
	Errors []struct {
		Severity string `json:"severity"`
		Message  string `json:"message"`
		Type     string `json:"type"`
	} `json:"errors"`
	Contracts map[string]map[string]contractOutput `json:"contracts"`
}

// contractOutput is one [unit][contractName] entry of solc's
// Standard-JSON "contracts" map.
type contractOutput struct {
	ABI json.RawMessage `json:"abi"`
	EVM struct {
		Bytecode struct {
			Object string `json:"object"`
		} `json:"bytecode"`
		DeployedBytecode struct {
			Object              string `json:"object"`
			ImmutableReferences map[string][]struct {
				Start  int `json:"start"`
				Length int `json:"length"`
			} `json:"immutableReferences"`
		} `json:"deployedBytecode"`
	} `json:"evm"`
	Metadata string `json:"metadata"`
}

// BuildStandardJSON constructs the Standard-JSON input document for in.
func BuildStandardJSON(in Input) ([]byte, error) {
	if len(in.Sources) == 0 {
		return nil, errors.New("compileengine: no source units supplied")
	}

	doc := standardJSONInput{Language: "Solidity"}
	doc.Sources = make(map[string]struct {
		Content string `json:"content"`
	}, len(in.Sources))
	for name, content := range in.Sources {
		doc.Sources[name] = struct {
			Content string `json:"content"`
		}{Content: content}
	}

	doc.Settings.Optimizer.Enabled = in.OptimizerOn
	doc.Settings.Optimizer.Runs = in.OptimizerRuns
	doc.Settings.EVMVersion = in.EVMTarget

	if len(in.Libraries) > 0 {
		doc.Settings.Libraries = splitLibraries(in.Libraries, in.MainUnit)
	}

	doc.Settings.OutputSelection = map[string]map[string][]string{
		"*": {"*": {"abi", "evm.bytecode.object", "evm.deployedBytecode.object", "evm.deployedBytecode.immutableReferences", "metadata"}},
	}

	return json.Marshal(doc)
}

// splitLibraries maps "unit:libraryName" -> address into solc's
// per-unit nested libraries layout, per spec.md §4.6. A key with no
// "unit:" prefix names a library by bare name, placed under mainUnit.
func splitLibraries(libs map[string]string, mainUnit string) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for key, addr := range libs {
		unit, name := mainUnit, key
		if idx := strings.LastIndex(key, ":"); idx != -1 {
			unit, name = key[:idx], key[idx+1:]
		}
		if out[unit] == nil {
			out[unit] = make(map[string]string)
		}
		out[unit][name] = addr
	}
	return out
}

// Compile invokes binary with the Standard-JSON encoding of in, then
// partitions and extracts the requested contract.
func Compile(ctx context.Context, binary CompilerBinary, in Input) (*Artifact, error) {
	stdinJSON, err := BuildStandardJSON(in)
	if err != nil {
		return nil, err
	}

	stdout, err := binary.Compile(ctx, stdinJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompilationFailed, err)
	}

	return ParseOutput(stdout, in.MainUnit, in.ContractName)
}

// ParseOutput partitions solc's Standard-JSON output into diagnostics
// and extracts the artifact for (mainUnit, contractName), preferring
// mainUnit but falling back to scanning every unit for contractName.
func ParseOutput(stdout []byte, mainUnit, contractName string) (*Artifact, error) {
	var out standardJSONOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed Standard-JSON output: %v", ErrCompilationFailed, err)
	}

	var diagnostics []Diagnostic
	var fatal []string
	for _, e := range out.Errors {
		d := Diagnostic{Severity: e.Severity, Message: e.Message, Type: e.Type}
		diagnostics = append(diagnostics, d)
		if d.Fatal() {
			fatal = append(fatal, e.Message)
		}
	}
	if len(fatal) > 0 {
		sort.Strings(fatal)
		return nil, fmt.Errorf("%w: %s", ErrCompilationFailed, strings.Join(fatal, "; "))
	}

	if len(out.Contracts) == 0 {
		return nil, fmt.Errorf("%w: no contracts in output", ErrCompilationFailed)
	}

	if unit, ok := out.Contracts[mainUnit]; ok {
		if c, ok := unit[contractName]; ok {
			return toArtifact(c, diagnostics), nil
		}
	}

	units := make([]string, 0, len(out.Contracts))
	for unit := range out.Contracts {
		units = append(units, unit)
	}
	sort.Strings(units)
	for _, unit := range units {
		if c, ok := out.Contracts[unit][contractName]; ok {
			return toArtifact(c, diagnostics), nil
		}
	}

	return nil, ErrContractNotPresent
}

func toArtifact(c contractOutput, diagnostics []Diagnostic) *Artifact {
	refs := make(map[string][]ImmutableReference, len(c.EVM.DeployedBytecode.ImmutableReferences))
	for k, v := range c.EVM.DeployedBytecode.ImmutableReferences {
		list := make([]ImmutableReference, 0, len(v))
		for _, r := range v {
			list = append(list, ImmutableReference{Start: r.Start, Length: r.Length})
		}
		refs[k] = list
	}

	return &Artifact{
		ABI:                 c.ABI,
		DeployBytecode:      c.EVM.Bytecode.Object,
		RuntimeBytecode:     c.EVM.DeployedBytecode.Object,
		Metadata:            c.Metadata,
		ImmutableReferences: refs,
		Diagnostics:         diagnostics,
	}
}
