package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePathsDefault(t *testing.T) {
	t.Setenv("REGENT_HOME", "")
	os.Unsetenv("REGENT_HOME")

	paths, err := ResolvePaths()
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".regent"), paths.Base)
	assert.Equal(t, filepath.Join(home, ".regent", "config.yaml"), paths.Config)
	assert.Equal(t, filepath.Join(home, ".regent", "sessions"), paths.Sessions)
	assert.Equal(t, filepath.Join(home, ".regent", "logs"), paths.Logs)
	assert.Equal(t, filepath.Join(home, ".regent", "data"), paths.Data)
}

func TestResolvePathsHomeOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("REGENT_HOME", dir)

	paths, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, dir, paths.Base)
	assert.Equal(t, filepath.Join(dir, "sessions"), paths.Sessions)
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("REGENT_HOME", filepath.Join(dir, "nested"))

	paths, err := ResolvePaths()
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirs())

	for _, d := range []string{paths.Base, paths.Sessions, paths.Logs, paths.Data} {
		info, err := os.Stat(d)
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}
}

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{"simple", "logging.level", []string{"logging", "level"}, false},
		{"single segment", "identity", []string{"identity"}, false},
		{"empty", "", nil, true},
		{"empty segment", "logging..level", nil, true},
		{"trailing dot", "logging.", nil, true},
		{"blocked key", "logging.__proto__", nil, true},
		{"blocked constructor", "constructor.x", nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseConfigPath(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPathValueAccess(t *testing.T) {
	root := map[string]any{}

	SetValueAtPath(root, []string{"session", "ttlMinutes"}, 45)
	v, ok := GetValueAtPath(root, []string{"session", "ttlMinutes"})
	require.True(t, ok)
	assert.Equal(t, 45, v)

	// Setting over a scalar replaces it with a map.
	SetValueAtPath(root, []string{"session", "ttlMinutes", "nested"}, true)
	v, ok = GetValueAtPath(root, []string{"session", "ttlMinutes", "nested"})
	require.True(t, ok)
	assert.Equal(t, true, v)

	_, ok = GetValueAtPath(root, []string{"missing", "path"})
	assert.False(t, ok)

	assert.True(t, UnsetValueAtPath(root, []string{"session", "ttlMinutes"}))
	assert.False(t, UnsetValueAtPath(root, []string{"session", "ttlMinutes"}))
	assert.False(t, UnsetValueAtPath(root, []string{"missing", "path"}))
}
