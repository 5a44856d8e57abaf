package commands

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/docker/gguf-my-repo/pkg/hub"
	"github.com/docker/gguf-my-repo/pkg/pipeline"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

var errNoToken = fmt.Errorf("no access token: pass --token or set HF_TOKEN")

// handleError turns pipeline errors into messages for the terminal.
func handleError(err error, message string) error {
	switch {
	case errors.Is(err, pipeline.ErrNotLoggedIn), errors.Is(err, hub.ErrUnauthorized):
		return errors.Wrap(errNoToken, message)
	case errors.Is(err, pipeline.ErrAdapterModel):
		return errors.New(message + ": the repository is a LoRA adapter; convert it with GGUF-my-lora instead")
	}
	return errors.Wrap(err, message)
}

// humanSize formats a byte count in decimal units, as the Hub does.
func humanSize(size int64) string {
	return units.CustomSize("%.2f%s", float64(size), 1000.0, []string{"B", "kB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"})
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

// renderTable renders rows under header and returns the text.
func renderTable(header []string, rows [][]string) string {
	var buf bytes.Buffer
	table := newTable(&buf, header)
	table.AppendBulk(rows)
	table.Render()
	return buf.String()
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// getTerminalWidth returns the terminal width, with a fallback to 80.
func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}
