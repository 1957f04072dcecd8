package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_AppliesAllDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultSessionTTL, cfg.Session.TTL)
	assert.Equal(t, DefaultMaxArtifacts, cfg.Session.MaxArtifactsPerKind)
	assert.Equal(t, DefaultMaxArtifactLen, cfg.Session.MaxArtifactChars)
	assert.Equal(t, DefaultMaxSubQuestions, cfg.Research.MaxSubQuestions)
	assert.Equal(t, DefaultMaxIterations, cfg.Research.MaxIterations)
	assert.Equal(t, DefaultSubTimeout, cfg.Research.SubQuestionTimeout)
	assert.Equal(t, DefaultToolTimeout, cfg.Research.ToolTimeout)
	assert.Equal(t, DefaultLeakWindow, cfg.Guards.WindowSize)
	assert.Equal(t, DefaultSoftLimitMB, cfg.Guards.SoftLimitMB)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_FINSCOPE_PORT", "9090")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: ${TEST_FINSCOPE_PORT}
  rate_limit: "${TEST_FINSCOPE_RATE:-100/m}"
session:
  ttl: 30m
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "100/m", cfg.Server.RateLimit)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
}

func TestEnvOverrides_GuardKnobs(t *testing.T) {
	t.Setenv("MEMORY_LEAK_WINDOW", "400")
	t.Setenv("MEMORY_LEAK_THRESHOLD_MB", "0.5")
	t.Setenv("API_RATE_LIMIT", "50/m")

	cfg := Default()

	assert.Equal(t, 400, cfg.Guards.WindowSize)
	assert.Equal(t, 0.5, cfg.Guards.SlopeThresholdMB)
	assert.Equal(t, "50/m", cfg.Server.RateLimit)
}

func TestValidate_RejectsBadMCPServer(t *testing.T) {
	cfg := Default()
	cfg.MCP = []MCPServerConfig{{Name: "market-data", Transport: "stdio"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stdio transport requires command")
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		input   string
		count   int
		window  time.Duration
		wantErr bool
	}{
		{"600/h", 600, time.Hour, false},
		{"10/s", 10, time.Second, false},
		{"5/m", 5, time.Minute, false},
		{"1/d", 1, 24 * time.Hour, false},
		{"600", 0, 0, true},
		{"x/h", 0, 0, true},
		{"0/h", 0, 0, true},
		{"10/fortnight", 0, 0, true},
	}

	for _, tt := range tests {
		count, window, err := ParseRate(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.count, count, tt.input)
		assert.Equal(t, tt.window, window, tt.input)
	}
}

func TestExpandEnvVars_UnsetWithoutDefault(t *testing.T) {
	assert.Equal(t, "value=", ExpandEnvVars("value=${DEFINITELY_NOT_SET_VAR_42}"))
}
