package modelcard

import (
	"fmt"
	"strings"
	"text/template"
)

// Tags added to every generated card.
var generatedTags = []string{"llama-cpp", "gguf-my-repo"}

// Params describe a converted model.
type Params struct {
	// ModelID is the source repository.
	ModelID string
	// RepoID is the repository the quantized model is published to.
	RepoID string
	// FileName is the quantized file (or first shard) in RepoID.
	FileName string
	// QuantMethod is the quantization type.
	QuantMethod string
	// Imatrix is set when an importance matrix was used.
	Imatrix bool
	// SpaceID is the Space credited in the card.
	SpaceID string
	// Endpoint is the Hub base URL used in links.
	Endpoint string
	// Source is the card of ModelID. It may be nil.
	Source *Card
}

var usageTemplate = template.Must(template.New("card").Parse(`# {{.RepoID}}
This model was converted to GGUF format from [` + "`{{.ModelID}}`" + `]({{.Endpoint}}/{{.ModelID}}) using llama.cpp via the ggml.ai's [{{.SpaceName}}]({{.Endpoint}}/spaces/{{.SpaceID}}) space.
Refer to the [original model card]({{.Endpoint}}/{{.ModelID}}) for more details on the model.
{{- if .QuantMethod}}

Quantization: ` + "`{{.QuantMethod}}`" + `{{if .Imatrix}} with an importance matrix (` + "`imatrix.dat`" + ` is included in this repository){{end}}.
{{- end}}

## Use with llama.cpp
Install llama.cpp through brew (works on Mac and Linux)

` + "```bash" + `
brew install llama.cpp

` + "```" + `
Invoke the llama.cpp server or the CLI.

### CLI:
` + "```bash" + `
llama-cli --hf-repo {{.RepoID}} --hf-file {{.FileName}} -p "The meaning to life and the universe is"
` + "```" + `

### Server:
` + "```bash" + `
llama-server --hf-repo {{.RepoID}} --hf-file {{.FileName}} -c 2048
` + "```" + `

Note: You can also use this checkpoint directly through the [usage steps](https://github.com/ggerganov/llama.cpp?tab=readme-ov-file#usage) listed in the Llama.cpp repo as well.

Step 1: Clone llama.cpp from GitHub.
` + "```" + `
git clone https://github.com/ggerganov/llama.cpp
` + "```" + `

Step 2: Move into the llama.cpp folder and build it with ` + "`LLAMA_CURL=1`" + ` flag along with other hardware-specific flags (for ex: LLAMA_CUDA=1 for Nvidia GPUs on Linux).
` + "```" + `
cd llama.cpp && LLAMA_CURL=1 make
` + "```" + `

Step 3: Run inference through the main binary.
` + "```" + `
./llama-cli --hf-repo {{.RepoID}} --hf-file {{.FileName}} -p "The meaning to life and the universe is"
` + "```" + `
or
` + "```" + `
./llama-server --hf-repo {{.RepoID}} --hf-file {{.FileName}} -c 2048
` + "```" + `
`))

// Generate builds the card of a quantized repository from the source card:
// its metadata is kept, the llama-cpp and gguf-my-repo tags are added,
// base_model points at the source and the text is replaced with usage
// instructions.
func Generate(params Params) (*Card, error) {
	card := &Card{}
	if params.Source != nil {
		card.Data = params.Source.Data
		card.Data.Tags = append([]string{}, params.Source.Data.Tags...)
	}
	card.Data.AddTags(generatedTags...)
	card.Data.BaseModel = params.ModelID

	if params.SpaceID == "" {
		params.SpaceID = "ggml-org/gguf-my-repo"
	}
	if params.Endpoint == "" {
		params.Endpoint = "https://huggingface.co"
	}
	params.Endpoint = strings.TrimRight(params.Endpoint, "/")

	var sb strings.Builder
	err := usageTemplate.Execute(&sb, struct {
		Params
		SpaceName string
	}{params, spaceName(params.SpaceID)})
	if err != nil {
		return nil, fmt.Errorf("rendering model card: %w", err)
	}
	card.Text = sb.String()
	return card, nil
}

func spaceName(spaceID string) string {
	if i := strings.LastIndex(spaceID, "/"); i >= 0 {
		spaceID = spaceID[i+1:]
	}
	if spaceID == "gguf-my-repo" || spaceID == "" {
		return "GGUF-my-repo"
	}
	return spaceID
}
