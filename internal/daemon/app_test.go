// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demolab/sessionbroker/internal/config"
	"github.com/demolab/sessionbroker/internal/spawn"
)

func testConfig(t *testing.T, storeURL string) config.Config {
	t.Helper()
	cfg := config.Config{
		Port:           freePort(t),
		StoreURL:       storeURL,
		BaseURL:        "http://localhost:8080",
		Environment:    config.EnvTest,
		AllowedOrigins: []string{"http://localhost:8080"},

		SessionTimeout:  time.Hour,
		MaxQueueSize:    10,
		SessionSecret:   "secret",
		SessionEnvDir:   t.TempDir(),
		DisconnectGrace: 10 * time.Second,
		AvgSessionTime:  15 * time.Minute,

		ConnRateWindow:   time.Minute,
		ConnRateMax:      30,
		InviteRateWindow: time.Minute,
		InviteRateMax:    5,

		ClaudeOAuthToken: "tok",
		ContainerImage:   "demo-assistant:test",
		Platforms: []config.Platform{{
			Name: "confluence",
			Credentials: map[string]string{
				"CONFLUENCE_URL":   "http://confluence.local",
				"CONFLUENCE_USER":  "bot",
				"CONFLUENCE_TOKEN": "t0k3n",
			},
		}},
		ScenariosPath: "",
		LogLevel:      "error",
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestAppServesAndShutsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, "redis://"+mr.Addr())

	app, err := New(cfg, spawn.NewStubRunner())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health/live")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
	}
}

func TestAppWithBadgerStore(t *testing.T) {
	cfg := testConfig(t, "badger://")

	app, err := New(cfg, spawn.NewStubRunner())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
	}
}

func TestChildCredentialsMergesPlatforms(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, "redis://"+mr.Addr())
	cfg.AnthropicAPIKey = "sk-ant"

	creds := childCredentials(cfg)
	assert.Equal(t, "tok", creds["CLAUDE_CODE_OAUTH_TOKEN"])
	assert.Equal(t, "sk-ant", creds["ANTHROPIC_API_KEY"])
	assert.Equal(t, "http://confluence.local", creds["CONFLUENCE_URL"])
	assert.Equal(t, "t0k3n", creds["CONFLUENCE_TOKEN"])
	assert.NotContains(t, creds, "JIRA_URL")
}
