package commands

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/docker/gguf-my-repo/pkg/config"
	"github.com/docker/gguf-my-repo/pkg/gpuinfo"
	"github.com/docker/gguf-my-repo/pkg/llamacpp"
	"github.com/docker/gguf-my-repo/pkg/pipeline"
	"github.com/docker/gguf-my-repo/pkg/service"
	"github.com/docker/gguf-my-repo/pkg/web"
)

// newService builds the pipeline for a command.
func newService(opts *globalOptions) (*config.Config, *service.Service, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return cfg, service.New(opts.logger(), cfg, http.DefaultClient, gpuinfo.New()), nil
}

func tokenOrDefault(token string, cfg *config.Config) (string, error) {
	if token == "" {
		token = cfg.HubToken
	}
	if token == "" {
		return "", errNoToken
	}
	return token, nil
}

func newQuantizeCmd(opts *globalOptions) *cobra.Command {
	var (
		req    pipeline.Request
		token  string
		upload bool
	)
	c := &cobra.Command{
		Use:   "quantize MODEL_ID",
		Short: "Convert and quantize a Hugging Face model to GGUF",
		Long: "Convert and quantize a Hugging Face model to GGUF.\n\n" +
			"The files are written to a new directory below the outputs directory.\n" +
			"Publish them with \"gguf upload\" or delete them with \"gguf discard\",\n" +
			"or pass --upload to publish right away.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ModelID = args[0]
			if err := req.Validate(); err != nil {
				return err
			}
			if req.TrainDataPath != "" {
				abs, err := filepath.Abs(req.TrainDataPath)
				if err != nil {
					return err
				}
				req.TrainDataPath = abs
			}
			cfg, svc, err := newService(opts)
			if err != nil {
				return err
			}
			if token, err = tokenOrDefault(token, cfg); err != nil {
				return err
			}

			pterm.Info.Printfln("Quantizing %s with %s", req.ModelID, req.Method())
			result, err := svc.Pipeline.Quantize(cmd.Context(), token, req, cmd.OutOrStdout())
			if err != nil {
				return handleError(err, "Failed to quantize "+req.ModelID)
			}
			pterm.Success.Printfln("Quantized model written to %s", result.QuantizedPath)

			rows := make([][]string, 0, len(result.Files))
			for _, f := range result.Files {
				rows = append(rows, []string{f.Name, humanSize(f.Size)})
			}
			cmd.Print(renderTable([]string{"FILE", "SIZE"}, rows))
			if result.Summary != nil {
				cmd.Println(summaryLine(result.Summary))
			}

			if !upload {
				cmd.Printf("\nPublish with: gguf upload %s\nDelete with:  gguf discard %s\n", result.ID, result.ID)
				return nil
			}
			return publish(cmd, svc, token, result.Dir)
		},
	}
	c.Flags().StringVar(&req.QuantMethod, "method", llamacpp.DefaultQuantMethod, "Quantization method")
	c.Flags().BoolVar(&req.UseImatrix, "imatrix", false, "Use an importance matrix")
	c.Flags().StringVar(&req.ImatrixQuantMethod, "imatrix-method", llamacpp.DefaultImatrixQuantMethod, "Quantization method used with --imatrix")
	c.Flags().StringVar(&req.TrainDataPath, "train-data", "", "Calibration text for the importance matrix")
	c.Flags().BoolVar(&req.Private, "private", false, "Create the repository as private")
	c.Flags().BoolVar(&req.Split, "split", false, "Split the model into shards")
	c.Flags().IntVar(&req.SplitMaxTensors, "split-max-tensors", llamacpp.DefaultSplitMaxTensors, "Maximum tensors per shard")
	c.Flags().StringVar(&req.SplitMaxSize, "split-max-size", "", "Maximum shard size, e.g. 256M or 5G")
	c.Flags().StringVar(&token, "token", "", "Hugging Face access token (default $HF_TOKEN)")
	c.Flags().BoolVar(&upload, "upload", false, "Upload as soon as quantization finishes")
	return c
}

func newUploadCmd(opts *globalOptions) *cobra.Command {
	var token string
	c := &cobra.Command{
		Use:   "upload DIR",
		Short: "Publish the files of a quantize run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, svc, err := newService(opts)
			if err != nil {
				return err
			}
			if token, err = tokenOrDefault(token, cfg); err != nil {
				return err
			}
			return publish(cmd, svc, token, args[0])
		},
	}
	c.Flags().StringVar(&token, "token", "", "Hugging Face access token (default $HF_TOKEN)")
	return c
}

func publish(cmd *cobra.Command, svc *service.Service, token, dir string) error {
	pterm.Info.Println("Uploading to the Hub")
	published, err := svc.Pipeline.Upload(cmd.Context(), token, dir, cmd.OutOrStdout())
	if err != nil {
		return handleError(err, "Failed to upload")
	}
	pterm.Success.Printfln("Find your repo here: %s", published.URL)
	return nil
}

func newDiscardCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard DIR",
		Short: "Delete the files of a quantize run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			p := pipeline.New(opts.logger(), nil, nil, pipeline.Config{OutputsDir: cfg.OutputsDir})
			deleted, err := p.Discard(args[0])
			if err != nil {
				return handleError(err, "Failed to delete "+args[0])
			}
			if deleted {
				cmd.Println(green(web.MessageDeleted))
			} else {
				cmd.Println(yellow(web.MessageNoFiles))
			}
			return nil
		},
	}
}

func init() {
	if !isTerminal(os.Stdout) {
		pterm.DisableStyling()
	}
}
