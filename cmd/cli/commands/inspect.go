package commands

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docker/gguf-my-repo/pkg/gguf"
)

func newInspectCmd() *cobra.Command {
	var jsonFormat bool
	c := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show the metadata of a GGUF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := gguf.Inspect(args[0])
			if err != nil {
				return handleError(err, "Failed to inspect "+args[0])
			}
			if jsonFormat {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			cmd.Print(summaryTable(summary))
			return nil
		},
	}
	c.Flags().BoolVar(&jsonFormat, "json", false, "Print the summary as JSON")
	return c
}

func summaryTable(s *gguf.Summary) string {
	shards := make([]string, 0, len(s.Shards))
	for _, shard := range s.Shards {
		shards = append(shards, filepath.Base(shard))
	}
	return renderTable([]string{"FIELD", "VALUE"}, [][]string{
		{"Architecture", s.Architecture},
		{"Parameters", s.Parameters},
		{"File type", s.FileType},
		{"Bits per weight", s.BitsPerWeight},
		{"Size", humanSize(s.Size)},
		{"Shards", strings.Join(shards, ", ")},
	})
}

// summaryLine describes a model in one line.
func summaryLine(s *gguf.Summary) string {
	parts := []string{s.Architecture}
	for _, v := range []string{s.Parameters, s.FileType, s.BitsPerWeight} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}
