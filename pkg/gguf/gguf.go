// Package gguf summarizes the GGUF files produced by the toolchain.
package gguf

import (
	"fmt"
	"os"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
)

// Summary describes a (possibly sharded) GGUF model.
type Summary struct {
	Architecture  string   `json:"architecture"`
	Parameters    string   `json:"parameters"`
	FileType      string   `json:"file_type"`
	BitsPerWeight string   `json:"bits_per_weight"`
	Size          int64    `json:"size"`
	Shards        []string `json:"shards"`
}

// Inspect parses the GGUF file at path. When path is the first shard of a
// split model the other shards are included.
func Inspect(path string) (*Summary, error) {
	shards := parser.CompleteShardGGUFFilename(path)
	if len(shards) == 0 {
		shards = []string{path} // single file
	}

	var size int64
	for _, shard := range shards {
		fi, err := os.Stat(shard)
		if err != nil {
			return nil, fmt.Errorf("inspecting %s: %w", shard, err)
		}
		size += fi.Size()
	}

	// ParseGGUFFile reads the remaining shards itself.
	gf, err := parser.ParseGGUFFile(path)
	if err != nil {
		return nil, fmt.Errorf("parsing gguf(%s): %w", path, err)
	}

	meta := gf.Metadata()
	return &Summary{
		Architecture:  strings.TrimSpace(meta.Architecture),
		Parameters:    strings.TrimSpace(meta.Parameters.String()),
		FileType:      strings.TrimSpace(meta.FileType.String()),
		BitsPerWeight: strings.TrimSpace(meta.BitsPerWeight.String()),
		Size:          size,
		Shards:        shards,
	}, nil
}
