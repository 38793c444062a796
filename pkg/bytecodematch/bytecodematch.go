// Package bytecodematch implements the Bytecode Canonicalizer & Matcher:
// stripping the metadata suffix, neutralizing library placeholders, and
// deciding a verification verdict by comparing an on-chain artifact
// against a freshly compiled one.
//
// This replaces the teacher's similarity-ratio heuristic
// (pkg/verifier.ContractVerifier.compareBytecodeWithoutMetadata /
// calculateSimilarity) entirely, per spec.md §9: that heuristic never
// neutralizes library placeholders before comparing, which is a
// probable bug the deterministic algorithm below fixes.
//
// Comparison is done on the hex-digit representation rather than on
// decoded bytes: an unlinked library reference makes solc emit the
// literal text __$<34 hex chars>$__ in place of an address, which is
// not valid hex — decoding the string before placeholder neutralization
// would fail.
package bytecodematch

import (
	"errors"
	"regexp"
	"strings"

	"github.com/studioplatforms/contract-verifier/internal/constants"
)

// Reason discriminates a Mismatch verdict's sub-cause.
type Reason string

const (
	ReasonBodiesDiffer              Reason = "BODIES_DIFFER"
	ReasonMetadataEqualBodiesDiffer Reason = "METADATA_EQUAL_BODIES_DIFFER"
)

// Verdict is the outcome of a Match call.
type Verdict struct {
	Verified bool
	Reason   Reason
}

// ErrInputInvalid is returned when either bytecode is no longer than the
// metadata suffix, leaving an empty body.
var ErrInputInvalid = errors.New("bytecode not longer than metadata suffix")

// metadataHexLen is the metadata suffix length in hex characters.
const metadataHexLen = constants.MetadataSuffixLength * 2

// placeholderRegexp matches a Solidity unlinked-library placeholder
// token: __$<34 hex chars>$__ (34 hex chars, together with the __$ ...
// $__ wrapper, span the 40-hex-char / 20-byte slot the linker fills in).
var placeholderRegexp = regexp.MustCompile(`__\$[0-9a-fA-F]{34}\$__`)

// Match implements spec.md §4.8's verdict ladder. onChain and
// compiledRuntime are hex strings ("0x" prefix tolerated);
// constructorArgs is a hex string of the constructor arguments appended
// to on-chain deploy bytecode (empty if none). libraryOffsets lists hex
// offsets into compiledRuntime's body where a library placeholder is
// known to sit, from the artifact's library-placement map, in addition
// to whatever the placeholder regexp finds on its own.
func Match(onChain, compiledRuntime, constructorArgs string, libraryOffsets []int) (Verdict, error) {
	onChainHex := strings.ToLower(trimHexPrefix(onChain))
	compiledHex := strings.ToLower(trimHexPrefix(compiledRuntime))

	// 1. Length guard.
	if len(onChainHex) <= metadataHexLen || len(compiledHex) <= metadataHexLen {
		return Verdict{}, ErrInputInvalid
	}

	// 2. Strip metadata.
	onChainBody := onChainHex[:len(onChainHex)-metadataHexLen]
	compiledBody := compiledHex[:len(compiledHex)-metadataHexLen]

	// 3. Library placeholder neutralization.
	onChainBody, compiledBody = neutralizePlaceholders(onChainBody, compiledBody, libraryOffsets)

	// 4. Primary comparison.
	if compiledBody == onChainBody {
		return Verdict{Verified: true}, nil
	}

	// 5. Constructor-args suffix.
	if len(onChainBody) > len(compiledBody) && strings.HasPrefix(onChainBody, compiledBody) {
		suffix := onChainBody[len(compiledBody):]
		args := strings.ToLower(trimHexPrefix(constructorArgs))
		if args != "" && suffix == args {
			return Verdict{Verified: true}, nil
		}
	}
	// 5b. Alternative layout: the arguments follow the whole compiled
	// runtime, metadata suffix included.
	if args := strings.ToLower(trimHexPrefix(constructorArgs)); args != "" &&
		len(onChainHex) == len(compiledHex)+len(args) && strings.HasSuffix(onChainHex, args) {
		trimmed := onChainHex[:len(compiledHex)]
		trimmedBody, body := neutralizePlaceholders(trimmed[:len(trimmed)-metadataHexLen], compiledHex[:len(compiledHex)-metadataHexLen], libraryOffsets)
		if trimmedBody == body && trimmed[len(trimmed)-metadataHexLen:] == compiledHex[len(compiledHex)-metadataHexLen:] {
			return Verdict{Verified: true}, nil
		}
	}

	// 6. Metadata-only match.
	onChainSuffix := onChainHex[len(onChainHex)-metadataHexLen:]
	compiledSuffix := compiledHex[len(compiledHex)-metadataHexLen:]
	if onChainSuffix == compiledSuffix {
		return Verdict{Reason: ReasonMetadataEqualBodiesDiffer}, nil
	}

	// 7. Otherwise.
	return Verdict{Reason: ReasonBodiesDiffer}, nil
}

// MatchWithDeployFallback tries the primary runtime-bytecode layout
// first; if that does not verify, it retries treating deployBytecode
// (rather than compiledRuntime) as the left operand, per spec.md §9's
// open question on constructor-args layout: different compiler versions
// have placed constructor arguments relative to metadata differently.
func MatchWithDeployFallback(onChain, compiledRuntime, deployBytecode, constructorArgs string, libraryOffsets []int) (Verdict, error) {
	v, err := Match(onChain, compiledRuntime, constructorArgs, libraryOffsets)
	if err != nil {
		return v, err
	}
	if v.Verified || deployBytecode == "" {
		return v, nil
	}
	return Match(onChain, deployBytecode, constructorArgs, libraryOffsets)
}

func trimHexPrefix(s string) string {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return s
}

// neutralizePlaceholders replaces placeholder-pattern runs found in
// compiledBody with '?' characters, and replaces the character range at
// the same offset in onChainBody, so a linked library address never
// causes a spurious mismatch against an unlinked compiled artifact.
func neutralizePlaceholders(onChainBody, compiledBody string, extraOffsets []int) (string, string) {
	onChainOut := []byte(onChainBody)
	compiledOut := []byte(compiledBody)

	for _, loc := range placeholderRegexp.FindAllStringIndex(compiledBody, -1) {
		neutralizeRange(onChainOut, compiledOut, loc[0], loc[1])
	}
	for _, hexOffset := range extraOffsets {
		neutralizeRange(onChainOut, compiledOut, hexOffset, hexOffset+constants.LibraryPlaceholderLength)
	}

	return string(onChainOut), string(compiledOut)
}

// neutralizeRange overwrites the hex-character range [start, end) with
// '?' in both slices, when that range is in bounds for both.
func neutralizeRange(a, b []byte, start, end int) {
	for i := start; i < end; i++ {
		if i < len(a) {
			a[i] = '?'
		}
		if i < len(b) {
			b[i] = '?'
		}
	}
}
