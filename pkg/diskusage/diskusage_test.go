package diskusage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 23), 0o644))

	size, err := Size(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(123), size)

	_, err = Size(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestFree(t *testing.T) {
	free, err := Free(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, free)
}
