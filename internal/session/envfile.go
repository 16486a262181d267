// SPDX-License-Identifier: MIT

package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// envFilePath names the per-session credential file. The directory sits on
// the host side of the child container's mount.
func envFilePath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".env")
}

// writeEnvFile materializes the session credentials as KEY=value lines,
// mode 0600, written atomically so the child never observes a partial file.
// Keys are sorted for deterministic output.
func writeEnvFile(dir, sessionID string, credentials map[string]string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("session: create env dir: %w", err)
	}

	keys := make([]string, 0, len(credentials))
	for k := range credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, credentials[k])
	}

	path := envFilePath(dir, sessionID)
	if err := renameio.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("session: write env file: %w", err)
	}
	return path, nil
}

// removeEnvFile deletes the session credential file; a missing file is fine.
func removeEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: remove env file: %w", err)
	}
	return nil
}
