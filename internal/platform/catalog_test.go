// SPDX-License-Identifier: MIT

package platform

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const sampleYAML = `platforms:
  confluence:
    - id: broken-macro
      title: Fix the broken macro
      description: A page renders an error box instead of a chart.
      difficulty: easy
  jira:
    - id: stuck-workflow
      title: Unstick the workflow
      description: Tickets cannot move out of review.
  splunk:
    - id: noisy-alert
      title: Silence the noisy alert
      description: An alert fires every minute.
`

func writeScenarios(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFiltersToEnabledPlatforms(t *testing.T) {
	path := writeScenarios(t, sampleYAML)
	c := NewCatalog(path, []string{"jira", "confluence"})
	require.NoError(t, c.Load())

	infos := c.Platforms()
	require.Len(t, infos, 2)
	assert.Equal(t, "confluence", infos[0].Name)
	assert.Equal(t, "jira", infos[1].Name)
	require.Len(t, infos[0].Scenarios, 1)
	assert.Equal(t, "broken-macro", infos[0].Scenarios[0].ID)

	// splunk exists in the file but is not enabled.
	assert.Empty(t, c.Scenarios("splunk"))
}

func TestEmptyPathServesNoScenarios(t *testing.T) {
	c := NewCatalog("", []string{"confluence"})
	require.NoError(t, c.Load())

	infos := c.Platforms()
	require.Len(t, infos, 1)
	assert.Empty(t, infos[0].Scenarios)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeScenarios(t, "platforms: [not a map")
	c := NewCatalog(path, []string{"confluence"})
	assert.Error(t, c.Load())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeScenarios(t, sampleYAML)
	c := NewCatalog(path, []string{"confluence"})
	require.NoError(t, c.Load())
	require.Len(t, c.Scenarios("confluence"), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Watch(ctx)
	}()

	updated := `platforms:
  confluence:
    - id: broken-macro
      title: Fix the broken macro
      description: A page renders an error box instead of a chart.
    - id: lost-page
      title: Find the lost page
      description: A page vanished from the space.
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return len(c.Scenarios("confluence")) == 2
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
