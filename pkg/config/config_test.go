package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, UploadModeReview, c.UploadMode)
	assert.Equal(t, 5, c.QueueSize)
	assert.Equal(t, 6*time.Hour, c.RestartInterval)
	assert.Equal(t, -1, c.ImatrixGPULayers)
	assert.False(t, c.RestartEnabled())
}

func TestFromEnv(t *testing.T) {
	c := Default()
	err := c.FromEnv(envLookup(map[string]string{
		"PORT":               "8080",
		"HF_TOKEN":           "hf_secret",
		"HF_SPACE_ID":        "me/space",
		"UPLOAD_MODE":        "DIRECT",
		"QUEUE_SIZE":         "2",
		"IMATRIX_TIMEOUT":    "60",
		"IMATRIX_GPU_LAYERS": "0",
		"RESTART_INTERVAL":   "30m",
		"MODEL_CACHE_DIR":    "",
		"GGUF_ORIGINS":       "http://a.test, ,http://b.test",
		"DISABLE_METRICS":    "1",
		"QUANTIZE_ARGS":      `--pure --override-kv "general.name=str:my model"`,
	}))
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, UploadModeDirect, c.UploadMode)
	assert.Equal(t, 2, c.QueueSize)
	assert.Equal(t, time.Minute, c.ImatrixTimeout)
	assert.Equal(t, 0, c.ImatrixGPULayers)
	assert.Equal(t, 30*time.Minute, c.RestartInterval)
	assert.Empty(t, c.ModelCacheDir)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, c.Origins)
	assert.True(t, c.DisableMetrics)
	assert.Equal(t, []string{"--pure", "--override-kv", "general.name=str:my model"}, c.QuantizeArgs)
	assert.True(t, c.RestartEnabled())
}

func TestFromEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad queue size", env: map[string]string{"QUEUE_SIZE": "many"}},
		{name: "zero queue size", env: map[string]string{"QUEUE_SIZE": "0"}},
		{name: "bad timeout", env: map[string]string{"IMATRIX_TIMEOUT": "soon"}},
		{name: "bad upload mode", env: map[string]string{"UPLOAD_MODE": "later"}},
		{name: "disallowed convert arg", env: map[string]string{"CONVERT_ARGS": "--outtype q8_0"}},
		{name: "disallowed imatrix arg", env: map[string]string{"IMATRIX_ARGS": "--chunks 100 -o other.dat"}},
		{name: "disallowed flag with value", env: map[string]string{"QUANTIZE_ARGS": "--imatrix=foo.dat"}},
		{name: "unterminated quote", env: map[string]string{"CONVERT_ARGS": `--model-name "oops`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, Default().FromEnv(envLookup(tt.env)))
		})
	}
}

func TestParseArgsDisallowed(t *testing.T) {
	_, err := ParseArgs("--threads 4 --outfile x.gguf", disallowedConvertArgs)
	require.ErrorIs(t, err, ErrDisallowedArgument)

	args, err := ParseArgs("--threads 4 'two words'", disallowedConvertArgs)
	require.NoError(t, err)
	assert.Equal(t, []string{"--threads", "4", "two words"}, args)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
upload_mode: direct
imatrix_timeout: 2m
convert_args: ["--use-temp-file"]
oauth:
  client_id: abc
`), 0o644))

	c := Default()
	require.NoError(t, c.LoadFile(path))
	assert.Equal(t, "9000", c.Port)
	assert.Equal(t, UploadModeDirect, c.UploadMode)
	assert.Equal(t, 2*time.Minute, c.ImatrixTimeout)
	assert.Equal(t, []string{"--use-temp-file"}, c.ConvertArgs)
	assert.True(t, c.OAuth.Enabled())
	assert.Equal(t, "llama.cpp", c.LlamaCppDir)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prot: 80\n"), 0o644))
	require.Error(t, Default().LoadFile(path))
}
