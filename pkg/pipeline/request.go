package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/docker/gguf-my-repo/pkg/hub"
	"github.com/docker/gguf-my-repo/pkg/llamacpp"
)

// Request holds the options of a conversion request.
type Request struct {
	// ModelID is the source repository, e.g. "meta-llama/Llama-3.2-1B".
	ModelID string `json:"model_id"`
	// QuantMethod is used when UseImatrix is false.
	QuantMethod string `json:"quant_method"`
	// UseImatrix enables importance matrix quantization with
	// ImatrixQuantMethod.
	UseImatrix         bool   `json:"use_imatrix"`
	ImatrixQuantMethod string `json:"imatrix_quant_method"`
	// Private creates the destination repository as private.
	Private bool `json:"private"`
	// TrainDataPath is the calibration text for the importance matrix. The
	// toolchain's default is used when empty.
	TrainDataPath string `json:"-"`
	// Split shards the quantized model before upload, by SplitMaxSize when
	// set and SplitMaxTensors otherwise.
	Split           bool   `json:"split"`
	SplitMaxTensors int    `json:"split_max_tensors"`
	SplitMaxSize    string `json:"split_max_size"`
}

// Validate fills defaults and checks the request.
func (r *Request) Validate() error {
	r.ModelID = strings.TrimSpace(r.ModelID)
	if r.ModelID == "" {
		return ErrNoModel
	}
	if strings.ContainsAny(r.ModelID, " \t\\") || strings.Contains(r.ModelID, "..") || strings.Count(r.ModelID, "/") > 1 {
		return fmt.Errorf("%w: %s", ErrInvalidModelID, r.ModelID)
	}
	if r.QuantMethod == "" {
		r.QuantMethod = llamacpp.DefaultQuantMethod
	}
	if r.ImatrixQuantMethod == "" {
		r.ImatrixQuantMethod = llamacpp.DefaultImatrixQuantMethod
	}
	r.QuantMethod = strings.ToUpper(r.QuantMethod)
	r.ImatrixQuantMethod = strings.ToUpper(r.ImatrixQuantMethod)
	if !llamacpp.ValidQuantMethod(r.Method(), r.UseImatrix) {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, r.Method())
	}
	if !r.Split {
		return nil
	}
	if r.SplitMaxTensors <= 0 {
		r.SplitMaxTensors = llamacpp.DefaultSplitMaxTensors
	}
	r.SplitMaxSize = strings.TrimSpace(r.SplitMaxSize)
	if _, err := llamacpp.ValidateSplitMaxSize(r.SplitMaxSize); err != nil {
		return err
	}
	return nil
}

// Method returns the quantization type that will be applied.
func (r *Request) Method() string {
	if r.UseImatrix {
		return strings.ToUpper(r.ImatrixQuantMethod)
	}
	return strings.ToUpper(r.QuantMethod)
}

// Base download patterns; the weight pattern is added per model.
var basePatterns = []string{"*.md", "*.json", "*.model"}

// DownloadPatterns returns the allow patterns for a model. Safetensors
// weights are preferred over pickles; when the tree could not be listed
// both are downloaded.
func DownloadPatterns(entries []hub.TreeEntry, listed bool) []string {
	patterns := append([]string{}, basePatterns...)
	if !listed {
		return append(patterns, "*.safetensors", "*.bin")
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Path, ".safetensors") {
			return append(patterns, "*.safetensors")
		}
	}
	return append(patterns, "*.bin")
}

// ModelName is the last segment of a model id.
func ModelName(modelID string) string {
	return path.Base(modelID)
}

// QuantizedFileName is the name of the quantized file for a model.
func QuantizedFileName(modelName, method string, imatrix bool) string {
	name := strings.ToLower(modelName) + "-" + strings.ToLower(method)
	if imatrix {
		name += "-imat"
	}
	return name + ".gguf"
}

// RepoName is the repository a quantized model is published to.
func RepoName(user, modelName, method string) string {
	return fmt.Sprintf("%s/%s-%s-GGUF", user, modelName, strings.ToUpper(method))
}

// parseQuantizedFileName recovers the model name and method from a name
// built by QuantizedFileName. Methods never contain a hyphen.
func parseQuantizedFileName(name string) (modelName, method string, ok bool) {
	name = strings.TrimSuffix(name, ".gguf")
	name = strings.TrimSuffix(name, "-imat")
	i := strings.LastIndex(name, "-")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], strings.ToUpper(name[i+1:]), true
}
