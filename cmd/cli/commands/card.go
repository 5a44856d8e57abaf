package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/docker/gguf-my-repo/pkg/modelcard"
)

func newCardCmd() *cobra.Command {
	var html bool
	c := &cobra.Command{
		Use:   "card PATH",
		Short: "Render a generated model card",
		Long:  "Render a model card. PATH is a README.md file or a directory containing one.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			card, err := readCard(args[0])
			if err != nil {
				return err
			}
			if html {
				cmd.Print(card.HTML())
				return nil
			}
			if !isTerminal(os.Stdout) {
				content, err := card.Render()
				if err != nil {
					return err
				}
				cmd.Print(content)
				return nil
			}
			r, err := glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(getTerminalWidth()),
			)
			if err != nil {
				return fmt.Errorf("failed to create markdown renderer: %w", err)
			}
			out, err := r.Render(card.Text)
			if err != nil {
				return fmt.Errorf("failed to render model card: %w", err)
			}
			cmd.Print(out)
			return nil
		},
	}
	c.Flags().BoolVar(&html, "html", false, "Print the card as HTML")
	return c
}

func readCard(path string) (*modelcard.Card, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, modelcard.ReadmeFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model card: %w", err)
	}
	return modelcard.Parse(string(data))
}
