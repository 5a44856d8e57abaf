package commands

import (
	"errors"
	"fmt"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"
)

var errNoLogFile = errors.New("no log file configured: set LOG_FILE or log_file")

func newLogsCmd(opts *globalOptions) *cobra.Command {
	var follow bool
	c := &cobra.Command{
		Use:   "logs [OPTIONS]",
		Short: "Fetch the server logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.LogFile == "" {
				return errNoLogFile
			}

			t, err := tail.TailFile(
				cfg.LogFile, tail.Config{Follow: follow, ReOpen: follow, Logger: tail.DiscardingLogger},
			)
			if err != nil {
				return err
			}
			defer t.Cleanup()

			for {
				select {
				case <-cmd.Context().Done():
					return t.Stop()
				case line, ok := <-t.Lines:
					if !ok {
						return t.Wait()
					}
					if line.Err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), red(line.Err.Error()))
						continue
					}
					fmt.Fprintln(cmd.OutOrStdout(), line.Text)
				}
			}
		},
	}
	c.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	return c
}
