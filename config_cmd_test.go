package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/shadowgate/internal/config"
)

func TestConfigInit_WritesCommentedTemplate(t *testing.T) {
	tmp := setupCLIEnv(t)
	path := filepath.Join(tmp, "config.toml")

	require.NoError(t, runCLI(t, nil, "config", "init"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "document_size_limit_bytes")

	// Every setting ships commented out, so the file decodes to defaults.
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	tmp := setupCLIEnv(t)

	require.NoError(t, os.WriteFile(filepath.Join(tmp, "config.toml"),
		[]byte("# keep\n"), 0o600))

	err := runCLI(t, nil, "config", "init")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigShow(t *testing.T) {
	setupCLIEnv(t)

	require.NoError(t, runCLI(t, nil, "config", "show"))
	require.NoError(t, runCLI(t, nil, "config", "show", "--json"))
}
