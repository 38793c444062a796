package flatten

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioplatforms/contract-verifier/pkg/vfs"
)

func newFS(bundle map[string]string) *vfs.FS {
	b := make(map[string][]byte, len(bundle))
	for k, v := range bundle {
		b[k] = []byte(v)
	}
	f := vfs.New()
	f.Install(b)
	return f
}

func TestFlatten_SimpleImport(t *testing.T) {
	f := newFS(map[string]string{
		"Main.sol":  "// SPDX-License-Identifier: MIT\npragma solidity ^0.8.20;\nimport \"./lib/L.sol\";\ncontract A is L {}",
		"lib/L.sol": "// SPDX-License-Identifier: MIT\npragma solidity ^0.8.20;\ncontract L {}",
	})

	result, err := Flatten(f, []byte("// SPDX-License-Identifier: MIT\npragma solidity ^0.8.20;\nimport \"./lib/L.sol\";\ncontract A is L {}"), "Main.sol", "", "")
	require.NoError(t, err)

	assert.Contains(t, result.Source, "contract L {}")
	assert.Contains(t, result.Source, "contract A is L {}")
	assert.Equal(t, 1, strings.Count(result.Source, "SPDX-License-Identifier"))
	assert.Equal(t, 1, strings.Count(result.Source, "pragma solidity"))

	libIdx := strings.Index(result.Source, "contract L {}")
	aIdx := strings.Index(result.Source, "contract A is L {}")
	assert.Less(t, libIdx, aIdx, "dependency must appear before dependent")
}

func TestFlatten_IsFixedPoint(t *testing.T) {
	f := newFS(map[string]string{
		"Main.sol":  "pragma solidity ^0.8.20;\nimport \"./lib/L.sol\";\ncontract A is L {}",
		"lib/L.sol": "pragma solidity ^0.8.20;\ncontract L {}",
	})
	entry := []byte("pragma solidity ^0.8.20;\nimport \"./lib/L.sol\";\ncontract A is L {}")

	once, err := Flatten(f, entry, "Main.sol", "", "")
	require.NoError(t, err)

	flatFS := vfs.New()
	flatFS.Install(map[string][]byte{"Main.sol": []byte(once.Source)})
	twice, err := Flatten(flatFS, []byte(once.Source), "Main.sol", "", "")
	require.NoError(t, err)

	assert.Equal(t, once.Source, twice.Source)
}

func TestFlatten_CycleBroken(t *testing.T) {
	f := newFS(map[string]string{
		"A.sol": "import \"B.sol\";\ncontract A {}",
		"B.sol": "import \"A.sol\";\ncontract B {}",
	})

	result, err := Flatten(f, []byte("import \"B.sol\";\ncontract A {}"), "A.sol", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Warnings)
}
