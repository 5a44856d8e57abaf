// Package config holds the service configuration. Values come from defaults,
// an optional YAML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v2"
)

// UploadMode selects between the two-phase review flow and the single-phase
// direct flow.
type UploadMode string

const (
	// UploadModeReview stops after quantization so that artifacts can be
	// inspected before they are published.
	UploadModeReview UploadMode = "review"
	// UploadModeDirect publishes as soon as quantization finishes.
	UploadModeDirect UploadMode = "direct"
)

// DefaultSpaceID is the Space linked from generated model cards.
const DefaultSpaceID = "ggml-org/gguf-my-repo"

var (
	// ErrDisallowedArgument is returned when extra tool arguments try to
	// override an argument that the pipeline controls.
	ErrDisallowedArgument = errors.New("argument is controlled by the pipeline")
	// ErrInvalidUploadMode is returned for unknown upload modes.
	ErrInvalidUploadMode = errors.New("invalid upload mode")
)

// Disallowed extra arguments per tool.
var (
	disallowedConvertArgs  = []string{"--outfile", "--outtype"}
	disallowedImatrixArgs  = []string{"-m", "--model", "-f", "--file", "-o", "--output-file", "-ngl", "--n-gpu-layers", "--gpu-layers"}
	disallowedQuantizeArgs = []string{"--imatrix"}
)

// OAuth configures the Hugging Face OAuth login.
type OAuth struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether OAuth login is configured.
func (o OAuth) Enabled() bool {
	return o.ClientID != ""
}

// Config is the complete service configuration.
type Config struct {
	Port             string        `yaml:"port"`
	HubEndpoint      string        `yaml:"hub_endpoint"`
	HubToken         string        `yaml:"hub_token"`
	SpaceID          string        `yaml:"space_id"`
	CardSpaceID      string        `yaml:"card_space_id"`
	LlamaCppDir      string        `yaml:"llama_cpp_dir"`
	Python           string        `yaml:"python"`
	ModelCacheDir    string        `yaml:"model_cache_dir"`
	OutputsDir       string        `yaml:"outputs_dir"`
	DownloadsDir     string        `yaml:"downloads_dir"`
	UploadMode       UploadMode    `yaml:"upload_mode"`
	QueueSize        int           `yaml:"queue_size"`
	ImatrixTimeout   time.Duration `yaml:"imatrix_timeout"`
	ImatrixGPULayers int           `yaml:"imatrix_gpu_layers"`
	RestartInterval  time.Duration `yaml:"restart_interval"`
	JobRetention     time.Duration `yaml:"job_retention"`
	ConvertArgs      []string      `yaml:"convert_args"`
	ImatrixArgs      []string      `yaml:"imatrix_args"`
	QuantizeArgs     []string      `yaml:"quantize_args"`
	OAuth            OAuth         `yaml:"oauth"`
	SentryDSN        string        `yaml:"sentry_dsn"`
	Origins          []string      `yaml:"origins"`
	DisableMetrics   bool          `yaml:"disable_metrics"`
	LogLevel         string        `yaml:"log_level"`
	LogFile          string        `yaml:"log_file"`
}

// Default returns the configuration used when nothing is overridden.
// ImatrixGPULayers is negative, meaning it is detected from the host.
func Default() *Config {
	return &Config{
		Port:             "7860",
		HubEndpoint:      "https://huggingface.co",
		CardSpaceID:      DefaultSpaceID,
		LlamaCppDir:      "llama.cpp",
		Python:           "python3",
		ModelCacheDir:    "model_cache",
		OutputsDir:       "outputs",
		DownloadsDir:     "downloads",
		UploadMode:       UploadModeReview,
		QueueSize:        5,
		ImatrixGPULayers: -1,
		RestartInterval:  6 * time.Hour,
		JobRetention:     time.Hour,
		OAuth: OAuth{
			Scopes: []string{"openid", "profile", "manage-repos"},
		},
		LogLevel: "info",
	}
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return c.Validate()
}

// FromEnv overlays environment variables onto c. lookup is usually
// os.LookupEnv.
func (c *Config) FromEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("HF_ENDPOINT", &c.HubEndpoint)
	str("HF_TOKEN", &c.HubToken)
	str("HF_SPACE_ID", &c.SpaceID)
	str("CARD_SPACE_ID", &c.CardSpaceID)
	str("LLAMA_CPP_DIR", &c.LlamaCppDir)
	str("PYTHON", &c.Python)
	str("OUTPUTS_DIR", &c.OutputsDir)
	str("DOWNLOADS_DIR", &c.DownloadsDir)
	str("OAUTH_CLIENT_ID", &c.OAuth.ClientID)
	str("OAUTH_CLIENT_SECRET", &c.OAuth.ClientSecret)
	str("OAUTH_REDIRECT_URL", &c.OAuth.RedirectURL)
	str("SENTRY_DSN", &c.SentryDSN)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)

	// An explicitly empty MODEL_CACHE_DIR disables the download cache.
	if v, ok := lookup("MODEL_CACHE_DIR"); ok {
		c.ModelCacheDir = v
	}
	if v, ok := lookup("UPLOAD_MODE"); ok && v != "" {
		c.UploadMode = UploadMode(strings.ToLower(v))
	}
	if v, ok := lookup("OAUTH_SCOPES"); ok && v != "" {
		c.OAuth.Scopes = strings.Fields(v)
	}
	if v, ok := lookup("GGUF_ORIGINS"); ok {
		c.Origins = splitList(v)
	}
	if v, ok := lookup("DISABLE_METRICS"); ok {
		c.DisableMetrics = v == "1" || strings.EqualFold(v, "true")
	}

	var err error
	if v, ok := lookup("QUEUE_SIZE"); ok && v != "" {
		if c.QueueSize, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid QUEUE_SIZE %q: %w", v, err)
		}
	}
	if v, ok := lookup("IMATRIX_GPU_LAYERS"); ok && v != "" {
		if c.ImatrixGPULayers, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid IMATRIX_GPU_LAYERS %q: %w", v, err)
		}
	}
	if v, ok := lookup("IMATRIX_TIMEOUT"); ok && v != "" {
		if c.ImatrixTimeout, err = parseDuration(v); err != nil {
			return fmt.Errorf("invalid IMATRIX_TIMEOUT %q: %w", v, err)
		}
	}
	if v, ok := lookup("RESTART_INTERVAL"); ok && v != "" {
		if c.RestartInterval, err = parseDuration(v); err != nil {
			return fmt.Errorf("invalid RESTART_INTERVAL %q: %w", v, err)
		}
	}
	if v, ok := lookup("JOB_RETENTION"); ok && v != "" {
		if c.JobRetention, err = parseDuration(v); err != nil {
			return fmt.Errorf("invalid JOB_RETENTION %q: %w", v, err)
		}
	}

	for _, extra := range []struct {
		key        string
		dst        *[]string
		disallowed []string
	}{
		{"CONVERT_ARGS", &c.ConvertArgs, disallowedConvertArgs},
		{"IMATRIX_ARGS", &c.ImatrixArgs, disallowedImatrixArgs},
		{"QUANTIZE_ARGS", &c.QuantizeArgs, disallowedQuantizeArgs},
	} {
		v, ok := lookup(extra.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		args, err := ParseArgs(v, extra.disallowed)
		if err != nil {
			return fmt.Errorf("%s: %w", extra.key, err)
		}
		*extra.dst = args
	}

	return c.Validate()
}

// Validate checks values that cannot be fixed up silently.
func (c *Config) Validate() error {
	switch c.UploadMode {
	case UploadModeReview, UploadModeDirect:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidUploadMode, c.UploadMode)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.ImatrixTimeout < 0 {
		return fmt.Errorf("imatrix timeout must not be negative, got %s", c.ImatrixTimeout)
	}
	for _, extra := range []struct {
		name       string
		args       []string
		disallowed []string
	}{
		{"convert_args", c.ConvertArgs, disallowedConvertArgs},
		{"imatrix_args", c.ImatrixArgs, disallowedImatrixArgs},
		{"quantize_args", c.QuantizeArgs, disallowedQuantizeArgs},
	} {
		if err := checkDisallowed(extra.args, extra.disallowed); err != nil {
			return fmt.Errorf("%s: %w", extra.name, err)
		}
	}
	return nil
}

// RestartEnabled reports whether the scheduled Space restart should run.
func (c *Config) RestartEnabled() bool {
	return c.SpaceID != "" && c.HubToken != "" && c.RestartInterval > 0
}

// ParseArgs splits s into arguments using shell quoting rules and rejects
// any argument in disallowed, including its --flag=value form.
func ParseArgs(s string, disallowed []string) ([]string, error) {
	args, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parsing arguments: %w", err)
	}
	if err := checkDisallowed(args, disallowed); err != nil {
		return nil, err
	}
	return args, nil
}

func checkDisallowed(args, disallowed []string) error {
	for _, arg := range args {
		name, _, _ := strings.Cut(arg, "=")
		for _, d := range disallowed {
			if name == d {
				return fmt.Errorf("%w: %s", ErrDisallowedArgument, d)
			}
		}
	}
	return nil
}

// parseDuration accepts Go duration strings and bare seconds.
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
