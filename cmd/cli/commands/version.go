package commands

import (
	"github.com/spf13/cobra"

	"github.com/docker/gguf-my-repo/pkg/service"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the gguf version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("gguf version %s\n", service.Version)
		},
	}
}
