package gguf

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeGGUF writes a GGUF v3 file with a single 8 element F32 tensor.
func writeGGUF(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	le := binary.LittleEndian
	str := func(s string) {
		require.NoError(t, binary.Write(&buf, le, uint64(len(s))))
		buf.WriteString(s)
	}

	buf.WriteString("GGUF")
	require.NoError(t, binary.Write(&buf, le, uint32(3))) // version
	require.NoError(t, binary.Write(&buf, le, uint64(1))) // tensors
	require.NoError(t, binary.Write(&buf, le, uint64(2))) // metadata entries

	str("general.architecture")
	require.NoError(t, binary.Write(&buf, le, uint32(8))) // string
	str("llama")
	str("general.file_type")
	require.NoError(t, binary.Write(&buf, le, uint32(4))) // uint32
	require.NoError(t, binary.Write(&buf, le, uint32(0))) // ALL_F32

	str("token_embd.weight")
	require.NoError(t, binary.Write(&buf, le, uint32(1))) // dimensions
	require.NoError(t, binary.Write(&buf, le, uint64(8)))
	require.NoError(t, binary.Write(&buf, le, uint32(0))) // F32
	require.NoError(t, binary.Write(&buf, le, uint64(0))) // offset

	for buf.Len()%32 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(make([]byte, 8*4))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model-q4_k_m.gguf")
	writeGGUF(t, path)
	fi, err := os.Stat(path)
	require.NoError(t, err)

	summary, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, "llama", summary.Architecture)
	assert.Equal(t, fi.Size(), summary.Size)
	assert.Equal(t, []string{path}, summary.Shards)
	assert.NotEmpty(t, summary.Parameters)
}

func TestInspectErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Inspect(filepath.Join(dir, "missing.gguf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	invalid := filepath.Join(dir, "invalid.gguf")
	require.NoError(t, os.WriteFile(invalid, []byte("not a gguf file"), 0o644))
	_, err = Inspect(invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing gguf")
}

func TestInspectMissingShard(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "model-q4_k_m-00001-of-00002.gguf")
	writeGGUF(t, first)

	_, err := Inspect(first)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
