package pipeline

import (
	"github.com/docker/gguf-my-repo/pkg/llamacpp"
	"github.com/docker/gguf-my-repo/pkg/workspace"
)

// messageError is an error whose text is shown to users as is.
type messageError string

func (e messageError) Error() string {
	return string(e)
}

const (
	// ErrNotLoggedIn is returned when no valid access token was supplied.
	ErrNotLoggedIn = messageError("You must be logged in to use GGUF-my-repo")
	// ErrNoModel is returned when the request names no model.
	ErrNoModel = messageError("Please select a model.")
	// ErrInvalidModelID is returned for malformed model ids.
	ErrInvalidModelID = messageError("Invalid model id")
	// ErrUnsupportedMethod is returned for unknown quantization types.
	ErrUnsupportedMethod = messageError("Unsupported quantization method")
	// ErrAdapterModel is returned when the source repository is a LoRA
	// adapter rather than a full model.
	ErrAdapterModel = messageError(`adapter_config.json is present.<br/><br/>If you are converting a LoRA adapter to GGUF, please use <a href="https://huggingface.co/spaces/ggml-org/gguf-my-lora" target="_blank" style="text-decoration:underline">GGUF-my-lora</a>.`)
	// ErrWorkspaceMissing is returned when the upload phase finds no files.
	ErrWorkspaceMissing = messageError("No files found to upload.")
	// ErrInsufficientDisk is returned when the model does not fit on disk.
	ErrInsufficientDisk = messageError("Not enough free disk space to download the model")
)

var (
	// ErrTrainingDataNotFound matches a missing importance matrix
	// calibration file.
	ErrTrainingDataNotFound = llamacpp.ErrTrainingDataNotFound
	// ErrNoQuantizedFile is returned when a workspace holds no quantized
	// model.
	ErrNoQuantizedFile = workspace.ErrNoQuantizedFile
)
