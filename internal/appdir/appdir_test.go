package appdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withDirEnv points HONEYPOT_DIR at value for the duration of the test.
func withDirEnv(t *testing.T, value string) {
	t.Helper()
	t.Setenv(DirEnv, value)
	ResetCache()
	t.Cleanup(ResetCache)
}

func TestDir_EnvOverride(t *testing.T) {
	customDir := t.TempDir()
	withDirEnv(t, customDir)

	dir, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, customDir, dir)
}

func TestDir_DefaultPath(t *testing.T) {
	withDirEnv(t, "")

	dir, err := Dir()
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(dir), "honeypot")
}

func TestDir_Cached(t *testing.T) {
	first := t.TempDir()
	withDirEnv(t, first)

	dir, err := Dir()
	require.NoError(t, err)

	// Changing the env var has no effect until the cache is reset
	t.Setenv(DirEnv, t.TempDir())
	again, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestEnsureDir(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "honeypot")
	withDirEnv(t, target)

	require.NoError(t, EnsureDir())

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestResolve(t *testing.T) {
	base := t.TempDir()
	withDirEnv(t, base)

	abs := filepath.Join(t.TempDir(), "list_black.json")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"relative", "list_black.json", filepath.Join(base, "list_black.json")},
		{"absolute", abs, abs},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigPath(t *testing.T) {
	base := t.TempDir()
	withDirEnv(t, base)

	path, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, ConfigFileName), path)
}
