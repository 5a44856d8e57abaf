// Package service assembles the conversion pipeline from the configuration.
// It is shared by the web server and the command line tool.
package service

import (
	"net/http"

	"github.com/docker/gguf-my-repo/pkg/cache"
	"github.com/docker/gguf-my-repo/pkg/config"
	"github.com/docker/gguf-my-repo/pkg/gpuinfo"
	"github.com/docker/gguf-my-repo/pkg/hub"
	"github.com/docker/gguf-my-repo/pkg/llamacpp"
	"github.com/docker/gguf-my-repo/pkg/logging"
	"github.com/docker/gguf-my-repo/pkg/pipeline"
	"github.com/docker/gguf-my-repo/pkg/system"
)

// Version is set at build time.
var Version = "dev"

// UserAgent identifies requests to the Hub.
func UserAgent() string {
	return "gguf-my-repo/" + Version
}

// Service holds the components built from a configuration.
type Service struct {
	// Hub acts with the configured server token.
	Hub       *hub.Client
	Toolchain *llamacpp.Toolchain
	Cache     *cache.Cache
	Pipeline  *pipeline.Pipeline
	System    system.Info
}

// New builds the components. httpClient carries all Hub traffic; gpuInfo is
// consulted when the configuration leaves the imatrix GPU layers to
// detection and may be nil to skip GPU detection.
func New(log logging.Logger, cfg *config.Config, httpClient *http.Client, gpuInfo *gpuinfo.GPUInfo) *Service {
	base := hub.NewClient(
		hub.WithEndpoint(cfg.HubEndpoint),
		hub.WithToken(cfg.HubToken),
		hub.WithHTTPClient(httpClient),
		hub.WithUserAgent(UserAgent()),
		hub.WithLogger(logging.Component(log, "hub")),
	)

	info := system.Probe(logging.Component(log, "system"), gpuInfo)
	layers := cfg.ImatrixGPULayers
	if layers < 0 {
		layers = info.ImatrixGPULayers
	}

	tools := llamacpp.New(logging.Component(log, "llama.cpp"), llamacpp.Config{
		Dir:               cfg.LlamaCppDir,
		Python:            cfg.Python,
		ImatrixGPULayers:  layers,
		ImatrixTimeout:    cfg.ImatrixTimeout,
		ExtraConvertArgs:  cfg.ConvertArgs,
		ExtraImatrixArgs:  cfg.ImatrixArgs,
		ExtraQuantizeArgs: cfg.QuantizeArgs,
	})
	modelCache := cache.New(logging.Component(log, "cache"), cfg.ModelCacheDir)

	return &Service{
		Hub:       base,
		Toolchain: tools,
		Cache:     modelCache,
		System:    info,
		Pipeline: pipeline.New(
			logging.Component(log, "pipeline"),
			func(token string) pipeline.Hub { return base.WithToken(token) },
			tools,
			pipeline.Config{
				OutputsDir:   cfg.OutputsDir,
				DownloadsDir: cfg.DownloadsDir,
				Cache:        modelCache,
				CardSpaceID:  cfg.CardSpaceID,
				Endpoint:     base.Endpoint(),
			},
		),
	}
}

// HubFor returns a Hub client acting with token.
func (s *Service) HubFor(token string) *hub.Client {
	return s.Hub.WithToken(token)
}
