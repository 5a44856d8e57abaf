package commands

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/docker/gguf-my-repo/pkg/config"
)

// globalOptions are shared by all commands.
type globalOptions struct {
	configFile string
	verbose    bool
}

func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "gguf",
		Short:         "Quantize Hugging Face models to GGUF with llama.cpp",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show debug logs")
	rootCmd.AddCommand(
		newVersionCmd(),
		newQuantizeCmd(opts),
		newUploadCmd(opts),
		newDiscardCmd(opts),
		newCacheCmd(opts),
		newInspectCmd(),
		newCardCmd(),
		newLogsCmd(opts),
	)
	return rootCmd
}

// loadConfig reads the configuration from the file given with --config and
// the environment.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		if err := cfg.LoadFile(o.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.FromEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logger writes to stderr, showing warnings unless --verbose is set.
func (o *globalOptions) logger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)
	if o.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}
