// Package vfs implements the per-request Virtual Filesystem that feeds
// the Solidity compiler's import callback: a source bundle indexed under
// several aliases, resolved through a fixed precedence of strategies,
// with circular-resolution detection.
//
// An FS instance is scoped to exactly one verification request. Per
// spec.md §9's redesign note, instances are never shared or reused
// across requests — construct a fresh one with New for every Verify
// call.
package vfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ErrNotFound is returned when no resolution strategy produces content.
var ErrNotFound = errors.New("import not found")

// ErrCircular is returned when a reference is already in the in-flight
// resolution set.
var ErrCircular = errors.New("circular import")

// FS is a per-request virtual filesystem over a source bundle.
type FS struct {
	// DiskBase, if set, is consulted as a last-resort resolution
	// strategy. Resolution never traverses above this base.
	DiskBase string

	mu           sync.Mutex
	names        map[string][]byte // canonical installed names -> content
	aliases      map[string]string // alias -> canonical installed name
	packageRoots map[string]bool
	inFlight     map[string]bool
}

// New constructs an empty FS. Call Install to load a source bundle.
func New() *FS {
	return &FS{
		names:        make(map[string][]byte),
		aliases:      make(map[string]string),
		packageRoots: make(map[string]bool),
		inFlight:     make(map[string]bool),
	}
}

// Install indexes a source bundle. It clears any prior state first — an
// FS is expected to be installed exactly once, but Install is
// idempotent to support the round-trip property in spec.md §8
// ("install(bundle); resolve(name); install(same bundle); resolve(name)
// returns the same content").
func (f *FS) Install(bundle map[string][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.names = make(map[string][]byte, len(bundle))
	f.aliases = make(map[string]string)
	f.packageRoots = make(map[string]bool)
	f.inFlight = make(map[string]bool)

	for name, content := range bundle {
		f.names[name] = content
		f.addAliasesLocked(name)
		if strings.HasPrefix(name, "@") {
			root := strings.SplitN(name, "/", 2)[0]
			f.packageRoots[root] = true
		}
	}
}

func (f *FS) addAliasesLocked(name string) {
	var withoutSol, withSol string
	if strings.HasSuffix(name, ".sol") {
		withoutSol = strings.TrimSuffix(name, ".sol")
	} else {
		withSol = name + ".sol"
	}
	base := path.Base(name)
	normalized := normalize(name)

	for _, alias := range []string{withoutSol, withSol, base, normalized} {
		if alias == "" || alias == name {
			continue
		}
		if _, exists := f.aliases[alias]; !exists {
			f.aliases[alias] = name
		}
	}
}

func normalize(ref string) string {
	ref = strings.ReplaceAll(ref, "\\", "/")
	for strings.HasPrefix(ref, "./") {
		ref = strings.TrimPrefix(ref, "./")
	}
	for strings.HasPrefix(ref, "../") {
		ref = strings.TrimPrefix(ref, "../")
	}
	return ref
}

// Resolve answers an import reference with its content, applying the
// fixed precedence of resolution strategies from spec.md §4.4. It
// detects circular resolution: a reference already present in the
// in-flight set fails immediately.
func (f *FS) Resolve(ref string) ([]byte, error) {
	f.mu.Lock()
	if f.inFlight[ref] {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCircular, ref)
	}
	f.inFlight[ref] = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inFlight, ref)
		f.mu.Unlock()
	}()

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveLocked(ref)
}

func (f *FS) resolveLocked(ref string) ([]byte, error) {
	// 1. Exact match.
	if c, ok := f.names[ref]; ok {
		return c, nil
	}

	// 2. Normalized match.
	norm := normalize(ref)
	if c, ok := f.names[norm]; ok {
		return c, nil
	}
	if canon, ok := f.aliases[norm]; ok {
		return f.names[canon], nil
	}

	// 3. Package-style match.
	if strings.HasPrefix(ref, "@") {
		if c, ok := f.resolvePackageStyleLocked(ref); ok {
			return c, nil
		}
	}

	// 4. Suffix / casing / separator tolerance.
	if c, ok := f.resolveToleranceLocked(ref); ok {
		return c, nil
	}

	// 5. Optional disk fallback.
	if f.DiskBase != "" {
		if c, ok := f.resolveDiskLocked(ref); ok {
			return c, nil
		}
	}

	if canon, ok := f.aliases[ref]; ok {
		return f.names[canon], nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

func (f *FS) resolvePackageStyleLocked(ref string) ([]byte, bool) {
	base := path.Base(ref)
	candidates := []string{
		ref,
		ref + ".sol",
	}
	if i := strings.Index(ref[1:], "/"); i != -1 {
		candidates = append(candidates, ref[1:][i+1:])
	}
	candidates = append(candidates, base, base+".sol")

	for _, cand := range candidates {
		if c, ok := f.names[cand]; ok {
			return c, true
		}
		if canon, ok := f.aliases[cand]; ok {
			return f.names[canon], true
		}
	}

	for name, content := range f.names {
		if strings.HasSuffix(name, "/"+base) || strings.HasSuffix(name, "/"+base+".sol") {
			return content, true
		}
	}
	return nil, false
}

func (f *FS) resolveToleranceLocked(ref string) ([]byte, bool) {
	swapped := strings.ReplaceAll(ref, "\\", "/")
	if c, ok := f.names[swapped]; ok {
		return c, true
	}

	lowerBase := strings.ToLower(path.Base(swapped))
	for name, content := range f.names {
		if strings.ToLower(path.Base(name)) == lowerBase {
			return content, true
		}
	}
	return nil, false
}

func (f *FS) resolveDiskLocked(ref string) ([]byte, bool) {
	candidate := filepath.Join(f.DiskBase, ref)
	cleanBase, err := filepath.Abs(f.DiskBase)
	if err != nil {
		return nil, false
	}
	cleanCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return nil, false
	}
	if cleanCandidate != cleanBase && !strings.HasPrefix(cleanCandidate, cleanBase+string(filepath.Separator)) {
		return nil, false
	}

	data, err := os.ReadFile(cleanCandidate)
	if err != nil {
		return nil, false
	}
	return data, true
}

// importRegexp matches both `import "<ref>";` and
// `import { Symbol } from "<ref>";` forms, tolerant of single or double
// quotes and optional trailing semicolon. Adequate for the grammar the
// catalog expects; this is not a Solidity parser (spec.md §9).
var importRegexp = regexp.MustCompile(`import\s+(?:\{[^}]*\}\s+from\s+)?["']([^"']+)["']`)

// ExtractImports scans source text for import references using a
// tolerant regular grammar.
func ExtractImports(source []byte) []string {
	matches := importRegexp.FindAllSubmatch(source, -1)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, string(m[1]))
	}
	return refs
}
