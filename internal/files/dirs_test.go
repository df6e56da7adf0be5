package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureWorkDirs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "root")

	require.NoError(t, EnsureWorkDirs(root))
	// second call is a no-op
	require.NoError(t, EnsureWorkDirs(root))

	for _, name := range WorkDirs {
		fi, err := os.Stat(filepath.Join(root, name))
		require.NoError(t, err)
		assert.True(t, fi.IsDir(), name)
	}
}

func TestEnsureWorkDirsFileInTheWay(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ServerDir), []byte("x"), 0644))

	err := EnsureWorkDirs(root)
	require.ErrorContains(t, err, ServerDir)
}
