package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/gguf-my-repo/pkg/hub"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		want    Request
		wantErr error
		fails   bool
	}{
		{
			name: "defaults",
			req:  Request{ModelID: " org/model "},
			want: Request{ModelID: "org/model", QuantMethod: "Q4_K_M", ImatrixQuantMethod: "IQ4_NL"},
		},
		{
			name: "lower case method",
			req:  Request{ModelID: "org/model", QuantMethod: "q8_0"},
			want: Request{ModelID: "org/model", QuantMethod: "Q8_0", ImatrixQuantMethod: "IQ4_NL"},
		},
		{
			name: "split defaults",
			req:  Request{ModelID: "gpt2", Split: true},
			want: Request{ModelID: "gpt2", QuantMethod: "Q4_K_M", ImatrixQuantMethod: "IQ4_NL", Split: true, SplitMaxTensors: 256},
		},
		{
			name:    "missing model",
			req:     Request{},
			wantErr: ErrNoModel,
		},
		{
			name:    "traversal",
			req:     Request{ModelID: "../etc"},
			wantErr: ErrInvalidModelID,
		},
		{
			name:    "too many segments",
			req:     Request{ModelID: "a/b/c"},
			wantErr: ErrInvalidModelID,
		},
		{
			name:    "unknown method",
			req:     Request{ModelID: "org/model", QuantMethod: "Q9_X"},
			wantErr: ErrUnsupportedMethod,
		},
		{
			name:    "imatrix only method",
			req:     Request{ModelID: "org/model", QuantMethod: "IQ1_S"},
			wantErr: ErrUnsupportedMethod,
		},
		{
			name:    "bad split size",
			req:   Request{ModelID: "org/model", Split: true, SplitMaxSize: "5T"},
			fails: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := req.Validate()
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
				return
			case tt.fails:
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, req)
		})
	}
}

func TestRequestMethod(t *testing.T) {
	req := Request{QuantMethod: "Q4_K_M", ImatrixQuantMethod: "iq4_nl"}
	assert.Equal(t, "Q4_K_M", req.Method())
	req.UseImatrix = true
	assert.Equal(t, "IQ4_NL", req.Method())
}

func TestDownloadPatterns(t *testing.T) {
	safetensors := []hub.TreeEntry{
		{Type: "file", Path: "config.json"},
		{Type: "file", Path: "pytorch_model.bin"},
		{Type: "file", Path: "weights/model-00001-of-00002.safetensors"},
	}
	bins := []hub.TreeEntry{
		{Type: "file", Path: "config.json"},
		{Type: "file", Path: "pytorch_model.bin"},
	}

	assert.Equal(t, []string{"*.md", "*.json", "*.model", "*.safetensors"}, DownloadPatterns(safetensors, true))
	assert.Equal(t, []string{"*.md", "*.json", "*.model", "*.bin"}, DownloadPatterns(bins, true))
	assert.Equal(t, []string{"*.md", "*.json", "*.model", "*.bin"}, DownloadPatterns(nil, true))
	assert.Equal(t, []string{"*.md", "*.json", "*.model", "*.safetensors", "*.bin"}, DownloadPatterns(nil, false))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "Llama-3.2-1B", ModelName("meta-llama/Llama-3.2-1B"))
	assert.Equal(t, "gpt2", ModelName("gpt2"))

	assert.Equal(t, "llama-3.2-1b-q4_k_m.gguf", QuantizedFileName("Llama-3.2-1B", "Q4_K_M", false))
	assert.Equal(t, "llama-3.2-1b-iq4_nl-imat.gguf", QuantizedFileName("Llama-3.2-1B", "IQ4_NL", true))

	assert.Equal(t, "alice/Llama-3.2-1B-Q4_K_M-GGUF", RepoName("alice", "Llama-3.2-1B", "q4_k_m"))
}

func TestParseQuantizedFileName(t *testing.T) {
	model, method, ok := parseQuantizedFileName("llama-3.2-1b-iq4_nl-imat.gguf")
	require.True(t, ok)
	assert.Equal(t, "llama-3.2-1b", model)
	assert.Equal(t, "IQ4_NL", method)

	_, _, ok = parseQuantizedFileName("model.gguf")
	assert.False(t, ok)
}

func TestUploadRepoID(t *testing.T) {
	id, err := uploadRepoID("bob", "alice/Model-Q4_K_M-GGUF", "model-q4_k_m.gguf")
	require.NoError(t, err)
	assert.Equal(t, "bob/Model-Q4_K_M-GGUF", id)

	id, err = uploadRepoID("bob", "", "model-q4_k_m.gguf")
	require.NoError(t, err)
	assert.Equal(t, "bob/model-Q4_K_M-GGUF", id)

	_, err = uploadRepoID("bob", "", "model.gguf")
	require.Error(t, err)
}
