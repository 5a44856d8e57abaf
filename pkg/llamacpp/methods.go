package llamacpp

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/docker/go-units"
)

// QuantMethods are the quantization types offered without an importance
// matrix.
var QuantMethods = []string{
	"TQ1_0", "TQ2_0", "Q2_K", "Q3_K_S", "Q3_K_M", "Q3_K_L", "Q4_0",
	"Q4_K_S", "Q4_K_M", "Q5_0", "Q5_K_S", "Q5_K_M", "Q6_K", "Q8_0",
}

// ImatrixQuantMethods are the quantization types offered with an importance
// matrix.
var ImatrixQuantMethods = []string{
	"IQ1_S", "IQ1_M", "IQ2_XXS", "IQ2_XS", "IQ2_S", "IQ2_M", "IQ3_XXS",
	"IQ3_XS", "IQ3_S", "IQ3_M", "Q4_K_M", "Q4_K_S", "IQ4_NL", "IQ4_XS",
	"Q5_K_M", "Q5_K_S",
}

const (
	// DefaultQuantMethod is preselected in the UI.
	DefaultQuantMethod = "Q4_K_M"
	// DefaultImatrixQuantMethod is preselected when imatrix is enabled.
	DefaultImatrixQuantMethod = "IQ4_NL"
	// DefaultSplitMaxTensors is the shard size used when no maximum file
	// size is given.
	DefaultSplitMaxTensors = 256
)

// ValidQuantMethod reports whether method is offered for the given mode.
func ValidQuantMethod(method string, imatrix bool) bool {
	if imatrix {
		return slices.Contains(ImatrixQuantMethods, method)
	}
	return slices.Contains(QuantMethods, method)
}

var splitSizeRE = regexp.MustCompile(`^[0-9]+[MG]$`)

// ValidateSplitMaxSize checks a --split-max-size value (an integer with an
// M or G suffix) and returns its size in bytes. An empty value is valid and
// returns zero.
func ValidateSplitMaxSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if !splitSizeRE.MatchString(s) {
		return 0, fmt.Errorf("invalid max file size %q: use a number followed by M or G, e.g. 256M or 5G", s)
	}
	size, err := units.FromHumanSize(s)
	if err != nil {
		return 0, fmt.Errorf("invalid max file size %q: %w", s, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("invalid max file size %q: must be positive", s)
	}
	return size, nil
}
