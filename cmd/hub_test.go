package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"workerhub/internal/hub"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigGenerateAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yml")

	out, err := runCommand(t, "hub", "config", "generate", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	out, err = runCommand(t, "hub", "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration file is valid")
	assert.Contains(t, out, "Worker endpoint: /ws")
	assert.Contains(t, out, "Bus: disabled")
}

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yml")
	config := hub.NewDefaultConfig()
	require.NoError(t, hub.SaveConfig(config, path))

	out, err := runCommand(t, "hub", "token", "--config", path, "--worker-id", "w-cli", "--role", "operator")
	require.NoError(t, err)

	claims, err := hub.NewJWTService(config.Auth.SecretKey, config.Auth.Issuer).ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "w-cli", claims.WorkerID)
	assert.Equal(t, hub.RoleOperator, claims.Role)

	_, err = runCommand(t, "hub", "token", "--config", path, "--worker-id", "w-cli", "--role", "admin")
	assert.Error(t, err)
}
