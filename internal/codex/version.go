package codex

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// versionProbeTimeout bounds the availability check; a hung binary is
// treated as unavailable.
const versionProbeTimeout = 10 * time.Second

// Version runs `codex --version` to probe that the binary is present and
// executable. Returns the trimmed version string.
func Version(ctx context.Context, binary string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("probe %s --version: %w", binary, err)
	}
	return strings.TrimSpace(string(out)), nil
}
