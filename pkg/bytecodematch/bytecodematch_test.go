package bytecodematch

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeatHex(pattern string, n int) string {
	return strings.Repeat(pattern, n)
}

func withMetadata(body string) string {
	return body + repeatHex("aa", 43)
}

func TestMatch_ExactBody(t *testing.T) {
	body := repeatHex("60", 50)
	onChain := withMetadata(body)
	compiled := withMetadata(body)

	v, err := Match(onChain, compiled, "", nil)
	require.NoError(t, err)
	assert.True(t, v.Verified)
}

func TestMatch_ConstructorArgsSuffix(t *testing.T) {
	body := repeatHex("60", 50)
	args := "000000000000000000000000000000000000000000000000000000000000002a"
	onChain := withMetadata(body) + args
	compiled := withMetadata(body)

	v, err := Match(onChain, compiled, "0x"+args, nil)
	require.NoError(t, err)
	assert.True(t, v.Verified)
}

func TestMatch_MetadataOnlyMismatch(t *testing.T) {
	body := repeatHex("60", 50)
	onChain := body + repeatHex("aa", 43)
	compiled := body + repeatHex("bb", 43)

	v, err := Match(onChain, compiled, "", nil)
	require.NoError(t, err)
	assert.False(t, v.Verified)
	assert.Equal(t, ReasonMetadataEqualBodiesDiffer, v.Reason)
}

func TestMatch_BodiesDiffer(t *testing.T) {
	onChain := withMetadata(repeatHex("60", 50))
	compiled := withMetadata(repeatHex("61", 50))

	v, err := Match(onChain, compiled, "", nil)
	require.NoError(t, err)
	assert.False(t, v.Verified)
	assert.Equal(t, ReasonBodiesDiffer, v.Reason)
}

func TestMatch_ShortBytecodeIsInputInvalid(t *testing.T) {
	short := repeatHex("aa", 10)
	_, err := Match(short, short, "", nil)
	assert.ErrorIs(t, err, ErrInputInvalid)
}

func TestMatch_ExactlyMetadataLengthIsInputInvalid(t *testing.T) {
	exact := repeatHex("aa", 43)
	_, err := Match(exact, exact, "", nil)
	assert.ErrorIs(t, err, ErrInputInvalid)
}

func TestMatch_LibraryPlaceholderNeutralized(t *testing.T) {
	placeholder := "__$" + repeatHex("0", 34) + "$__"
	linkedAddr := strings.ToLower(hex.EncodeToString([]byte("0123456789abcdefghij"))) // 20 bytes -> 40 hex chars

	compiledBody := "6000" + placeholder + "6000"
	onChainBody := "6000" + linkedAddr[:40] + "6000"

	v, err := Match(withMetadata(onChainBody), withMetadata(compiledBody), "", nil)
	require.NoError(t, err)
	assert.True(t, v.Verified, "a linked library address should not cause a mismatch against its unlinked placeholder")
}

func TestMatchWithDeployFallback(t *testing.T) {
	body := repeatHex("60", 50)
	onChain := withMetadata(body)
	runtimeWithDifferentBody := withMetadata(repeatHex("61", 50))
	deploy := withMetadata(body)

	v, err := MatchWithDeployFallback(onChain, runtimeWithDifferentBody, deploy, "", nil)
	require.NoError(t, err)
	assert.True(t, v.Verified, "fallback to deploy bytecode layout should verify when runtime layout fails")
}
