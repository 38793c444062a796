// Package flatten implements the Flattener: collapsing a multi-unit
// source bundle into a single equivalent unit by topologically inlining
// imports.
package flatten

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/studioplatforms/contract-verifier/pkg/vfs"
)

// Resolver is the subset of vfs.FS the flattener depends on, so tests
// can substitute a fake without a real bundle.
type Resolver interface {
	Resolve(ref string) ([]byte, error)
}

// Warning is emitted when the flattener has to break an import cycle.
type Warning struct {
	Message string
}

// Result is the flattened output.
type Result struct {
	Source   string
	Warnings []Warning
}

var (
	licenseRegexp = regexp.MustCompile(`(?m)^\s*//\s*SPDX-License-Identifier:.*$`)
	pragmaRegexp  = regexp.MustCompile(`(?m)^\s*pragma\s+solidity\s+[^;]*;\s*$`)
	importRegexp  = regexp.MustCompile(`(?m)^\s*import\s+[^;]*;\s*$`)
)

// Flatten produces a single source unit equivalent to the bundle with
// all imports inlined, starting from entryName. Units are visited in
// topological order (imports before importers); cycles are broken
// deterministically by lexicographic visit order on unit name and
// reported as a Warning, never an error — the Verifier treats a
// flatten-and-retry as a best-effort fallback, not a hard failure path.
func Flatten(resolver Resolver, entryUnit []byte, entryName, defaultLicense, defaultPragma string) (Result, error) {
	units := map[string][]byte{entryName: entryUnit}
	order, warnings, err := visit(resolver, entryName, entryUnit, units, map[string]int{}, []string{})
	if err != nil {
		return Result{}, err
	}

	license := extract(licenseRegexp, entryUnit)
	if license == "" {
		license = defaultLicense
	}
	pragma := extract(pragmaRegexp, entryUnit)
	if pragma == "" {
		pragma = defaultPragma
	}

	var b strings.Builder
	if license != "" {
		b.WriteString(license)
		b.WriteString("\n")
	}
	if pragma != "" {
		b.WriteString(pragma)
		b.WriteString("\n")
	}
	for _, name := range order {
		stripped := licenseRegexp.ReplaceAllString(string(units[name]), "")
		stripped = pragmaRegexp.ReplaceAllString(stripped, "")
		stripped = importRegexp.ReplaceAllString(stripped, "")
		b.WriteString(strings.TrimSpace(stripped))
		b.WriteString("\n")
	}

	return Result{Source: b.String(), Warnings: warnings}, nil
}

const (
	stateUnvisited = 0
	stateVisiting  = 1
	stateDone      = 2
)

// visit performs a depth-first topological visit, returning unit names in
// dependency order (a unit's imports appear before the unit itself).
func visit(resolver Resolver, name string, content []byte, units map[string][]byte, state map[string]int, path []string) ([]string, []Warning, error) {
	if state[name] == stateDone {
		return nil, nil, nil
	}
	if state[name] == stateVisiting {
		return nil, []Warning{{Message: fmt.Sprintf("import cycle detected at %s, breaking deterministically", name)}}, nil
	}
	state[name] = stateVisiting
	units[name] = content

	refs := vfs.ExtractImports(content)
	sort.Strings(refs)

	var order []string
	var warnings []Warning
	for _, ref := range refs {
		depContent, err := resolver.Resolve(ref)
		if err != nil {
			return nil, nil, fmt.Errorf("flatten: resolving %s: %w", ref, err)
		}
		subOrder, subWarnings, err := visit(resolver, ref, depContent, units, state, append(path, name))
		if err != nil {
			return nil, nil, err
		}
		order = append(order, subOrder...)
		warnings = append(warnings, subWarnings...)
	}

	state[name] = stateDone
	order = append(order, name)
	return order, warnings, nil
}

func extract(re *regexp.Regexp, content []byte) string {
	m := re.FindString(string(content))
	return strings.TrimSpace(m)
}
