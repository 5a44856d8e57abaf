package llamacpp

import (
	"errors"
	"fmt"
)

// Kinds of input checked by the toolchain.
const (
	KindModel        = "Model"
	KindTrainingData = "Training data"
)

var (
	// ErrModelNotFound matches a MissingFileError for the model.
	ErrModelNotFound = errors.New("model file not found")
	// ErrTrainingDataNotFound matches a MissingFileError for the training
	// data.
	ErrTrainingDataNotFound = errors.New("training data file not found")
)

// MissingFileError reports a missing tool input.
type MissingFileError struct {
	Kind string
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("%s file not found: %s", e.Kind, e.Path)
}

func (e *MissingFileError) Unwrap() error {
	if e.Kind == KindTrainingData {
		return ErrTrainingDataNotFound
	}
	return ErrModelNotFound
}

// CommandError reports a failed tool run. Output holds the tail of what the
// tool printed and is what users get to see.
type CommandError struct {
	Op     string
	Err    error
	Output string
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Op + ": " + e.Output
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// messageError is an error whose text is shown to users as is.
type messageError string

func (e messageError) Error() string {
	return string(e)
}

// ErrNoShards is returned when splitting produced no shard files.
const ErrNoShards = messageError("No sharded files found.")
