package compilerstore

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// execStandardJSON runs the solc binary at path in Standard-JSON mode,
// writing stdinJSON to its stdin and returning its stdout. solc's
// Standard-JSON mode reports compilation errors inside the JSON output
// itself rather than through the process exit code, so a non-zero exit
// status is only fatal when solc produced no parseable output at all.
func execStandardJSON(ctx context.Context, path string, stdinJSON []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, "--standard-json")
	cmd.Stdin = bytes.NewReader(stdinJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stdout.Len() > 0 {
		return stdout.Bytes(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("solc invocation failed: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}
