package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*.json", "config.json", true},
		{"*.json", "sub/dir/tokenizer_config.json", true},
		{"*.json", "config.json.bak", false},
		{"*.safetensors", "model-00001-of-00002.safetensors", true},
		{"*.bin", "pytorch_model.bin", true},
		{"*.bin", "model.safetensors", false},
		{"*.model", "tokenizer.model", true},
		{"model-?.gguf", "model-1.gguf", true},
		{"model-?.gguf", "model-12.gguf", false},
		{"shard-[0-9].bin", "shard-3.bin", true},
		{"shard-[!0-9].bin", "shard-3.bin", false},
		{"shard-[!0-9].bin", "shard-x.bin", true},
		{"[!a]*.md", "README.md", true},
		{"[!R]*.md", "README.md", false},
		{"*", "sub/dir/file.txt", true},
		{"weird[name", "weird[name", true},
		{"weird[name", "weirdxname", false},
		{"a.b", "axb", false},
		{"README.md", "README.md", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.name))
		})
	}
}

func TestFilterEntries(t *testing.T) {
	entries := []TreeEntry{
		{Type: "directory", Path: "sub"},
		{Type: "file", Path: "config.json"},
		{Type: "file", Path: "model.safetensors"},
		{Type: "file", Path: "pytorch_model.bin"},
		{Type: "file", Path: "sub/README.md"},
	}
	got := FilterEntries(entries, []string{"*.md", "*.json", "*.safetensors"})
	var paths []string
	for _, e := range got {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"config.json", "model.safetensors", "sub/README.md"}, paths)
	assert.Len(t, FilterEntries(entries, nil), 4)
}
