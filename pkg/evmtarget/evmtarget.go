// Package evmtarget implements the EVM-Target Policy: reconciling a
// requested EVM target against what a given compiler version supports,
// and picking a safe default when none is requested.
package evmtarget

import (
	"strconv"
	"strings"
)

// Note is an observability record emitted when the policy substitutes a
// default target because the caller's request was unsupported.
type Note struct {
	Requested string
	Effective string
	Reason    string
}

// targetOrder lists EVM targets oldest to newest, used to validate that a
// requested target is within a compiler's supported window.
var targetOrder = []string{
	"homestead", "byzantium", "petersburg", "istanbul", "berlin",
	"london", "paris", "shanghai", "cancun",
}

func indexOf(target string) int {
	for i, t := range targetOrder {
		if t == target {
			return i
		}
	}
	return -1
}

// Choose picks the effective EVM target for compilerVersion given the
// caller's requested target (empty string means "unspecified"). It never
// fails: an unspecified request gets the compiler's default, and an
// unsupported request silently falls back to that default with the
// substitution recorded in the returned Note (Note.Reason is empty when
// no substitution occurred).
func Choose(compilerVersion, requested string) (string, Note) {
	def, supported := defaultAndSupported(compilerVersion)

	if requested == "" {
		return def, Note{}
	}
	for _, s := range supported {
		if s == requested {
			return requested, Note{}
		}
	}

	return def, Note{
		Requested: requested,
		Effective: def,
		Reason:    "requested EVM target not supported by compiler version; substituted default",
	}
}

// Supports reports whether target is within the compiler version's
// supported window, independent of default selection.
func Supports(compilerVersion, target string) bool {
	_, supported := defaultAndSupported(compilerVersion)
	for _, s := range supported {
		if s == target {
			return true
		}
	}
	return false
}

func defaultAndSupported(compilerVersion string) (string, []string) {
	major, minor, patch, ok := parseVersion(compilerVersion)
	if !ok || major != 0 {
		return "cancun", windowUpTo("cancun")
	}

	switch {
	case minor == 4:
		return "byzantium", windowUpTo("byzantium")
	case minor == 5:
		return "petersburg", windowUpTo("petersburg")
	case minor == 6:
		return "istanbul", windowUpTo("istanbul")
	case minor == 7:
		return "berlin", windowUpTo("berlin")
	case minor == 8:
		switch {
		case patch == 0:
			return "istanbul", windowUpTo("london")
		case patch >= 1 && patch <= 5:
			return "berlin", windowUpTo("london")
		case patch >= 6 && patch <= 9:
			return "london", windowUpTo("london")
		case patch >= 10 && patch <= 19:
			return "paris", windowUpTo("paris")
		case patch >= 20 && patch <= 23:
			return "shanghai", windowUpTo("shanghai")
		default: // 0.8.24+
			return "cancun", windowUpTo("cancun")
		}
	case minor >= 9:
		return "cancun", windowUpTo("cancun")
	default:
		return "byzantium", windowUpTo("byzantium")
	}
}

// windowUpTo returns every target from "homestead" through upTo,
// inclusive — the set of targets a compiler whose newest supported
// target is upTo is taken to support (for 0.8.0–0.8.5 that is london,
// newer than their default).
func windowUpTo(upTo string) []string {
	end := indexOf(upTo)
	if end < 0 {
		end = len(targetOrder) - 1
	}
	return append([]string(nil), targetOrder[:end+1]...)
}

func parseVersion(v string) (major, minor, patch int, ok bool) {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexByte(v, '+'); i != -1 {
		v = v[:i]
	}
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	var err error
	if major, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, 0, false
	}
	if minor, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, 0, false
	}
	if patch, err = strconv.Atoi(parts[2]); err != nil {
		return 0, 0, 0, false
	}
	return major, minor, patch, true
}
