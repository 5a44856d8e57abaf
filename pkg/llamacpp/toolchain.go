// Package llamacpp drives the llama.cpp conversion and quantization tools as
// sandboxed subprocesses.
package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/gguf-my-repo/internal/utils"
	"github.com/docker/gguf-my-repo/pkg/logging"
	"github.com/docker/gguf-my-repo/pkg/sandbox"
	"github.com/docker/gguf-my-repo/pkg/tailbuffer"
)

const (
	// ConvertScript is the conversion script shipped with llama.cpp.
	ConvertScript = "convert_hf_to_gguf.py"
	// TrainingDataFile is the calibration text used when no training data
	// is supplied.
	TrainingDataFile = "groups_merged.txt"
	// ImatrixFile is the name of the importance matrix output.
	ImatrixFile = "imatrix.dat"
	// rpcLibrary is hidden during imatrix runs so the RPC backend is not
	// loaded.
	rpcLibrary = "ggml-rpc.dll"
	// outputTail is how much of a tool's output is kept for error reports.
	outputTail = 16 * 1024
	// defaultGracePeriod is the time between the interrupt and the kill when
	// a run is stopped.
	defaultGracePeriod = 5 * time.Second
)

// Config configures the toolchain.
type Config struct {
	// Dir holds the llama.cpp executables and scripts.
	Dir string
	// Python is the interpreter used for the conversion script.
	Python string
	// ConvertScript overrides the path of the conversion script.
	ConvertScript string
	// TrainingData overrides the default calibration text.
	TrainingData string
	// ImatrixGPULayers is passed to llama-imatrix as -ngl.
	ImatrixGPULayers int
	// ImatrixTimeout bounds imatrix runs. Zero means no bound.
	ImatrixTimeout time.Duration
	// GracePeriod separates the interrupt from the kill.
	GracePeriod time.Duration
	// Extra arguments appended to each tool's command line.
	ExtraConvertArgs  []string
	ExtraImatrixArgs  []string
	ExtraQuantizeArgs []string
}

// Toolchain runs llama.cpp tools.
type Toolchain struct {
	log    logging.Logger
	config Config
}

// New creates a toolchain.
func New(log logging.Logger, config Config) *Toolchain {
	if config.Python == "" {
		config.Python = "python3"
	}
	if config.ConvertScript == "" {
		config.ConvertScript = filepath.Join(config.Dir, ConvertScript)
	}
	if config.TrainingData == "" {
		config.TrainingData = filepath.Join(config.Dir, TrainingDataFile)
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = defaultGracePeriod
	}
	return &Toolchain{log: log, config: config}
}

// DefaultTrainingData returns the path of the fallback calibration text.
func (t *Toolchain) DefaultTrainingData() string {
	return t.config.TrainingData
}

// Executable returns the path of a llama.cpp executable.
func (t *Toolchain) Executable(name string) string {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(t.config.Dir, name)
}

// Check reports the tools that are missing from the toolchain directory.
func (t *Toolchain) Check() error {
	var missing []string
	for _, path := range []string{
		t.config.ConvertScript,
		t.Executable("llama-imatrix"),
		t.Executable("llama-quantize"),
		t.Executable("llama-gguf-split"),
	} {
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("llama.cpp tools not found: %s", strings.Join(missing, ", "))
	}
	if _, err := exec.LookPath(t.config.Python); err != nil {
		return fmt.Errorf("python interpreter %q not found: %w", t.config.Python, err)
	}
	return nil
}

// ConvertArgs builds the conversion script's arguments.
func (t *Toolchain) ConvertArgs(modelDir, outfile string) []string {
	args := []string{t.config.ConvertScript, modelDir, "--outtype", "f16", "--outfile", outfile}
	return append(args, t.config.ExtraConvertArgs...)
}

// ImatrixArgs builds llama-imatrix's arguments.
func (t *Toolchain) ImatrixArgs(model, trainData, out string) []string {
	args := []string{
		"-m", model,
		"-f", trainData,
		"-ngl", strconv.Itoa(t.config.ImatrixGPULayers),
		"--output-frequency", "10",
		"-o", out,
	}
	return append(args, t.config.ExtraImatrixArgs...)
}

// QuantizeArgs builds llama-quantize's arguments. imatrix may be empty.
func (t *Toolchain) QuantizeArgs(fp16, out, method, imatrix string) []string {
	args := append([]string{}, t.config.ExtraQuantizeArgs...)
	if imatrix != "" {
		args = append(args, "--imatrix", imatrix)
	}
	return append(args, fp16, out, method)
}

// SplitArgs builds llama-gguf-split's arguments. A non-empty maxSize takes
// precedence over maxTensors.
func SplitArgs(model, prefix string, maxTensors int, maxSize string) []string {
	args := []string{"--split"}
	if maxSize != "" {
		args = append(args, "--split-max-size", maxSize)
	} else {
		if maxTensors <= 0 {
			maxTensors = DefaultSplitMaxTensors
		}
		args = append(args, "--split-max-tensors", strconv.Itoa(maxTensors))
	}
	return append(args, model, prefix)
}

// Convert converts a Hugging Face model directory into an f16 GGUF file.
func (t *Toolchain) Convert(ctx context.Context, modelDir, outfile string, out io.Writer) error {
	result, err := t.run(ctx, runOptions{
		workDir: filepath.Dir(outfile),
		out:     out,
		name:    t.config.Python,
		args:    t.ConvertArgs(modelDir, outfile),
	})
	if err != nil {
		return &CommandError{Op: "Error converting to fp16", Err: err, Output: result.stderr}
	}
	t.log.Infof("Converted %s to %s", utils.SanitizeForLog(modelDir), outfile)
	return nil
}

// GenerateImportanceMatrix runs llama-imatrix. When an imatrix timeout is
// configured the run is interrupted once it expires and accepted if the
// output file was written by then.
func (t *Toolchain) GenerateImportanceMatrix(ctx context.Context, model, trainData, output string, out io.Writer) error {
	if !isFile(model) {
		return &MissingFileError{Kind: KindModel, Path: model}
	}
	if !isFile(trainData) {
		return &MissingFileError{Kind: KindTrainingData, Path: trainData}
	}

	restore, err := t.hideRPCLibrary()
	if err != nil {
		return err
	}
	defer restore()

	runCtx := ctx
	if t.config.ImatrixTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.config.ImatrixTimeout)
		defer cancel()
	}

	result, err := t.run(runCtx, runOptions{
		workDir: filepath.Dir(output),
		out:     out,
		name:    t.Executable("llama-imatrix"),
		args:    t.ImatrixArgs(model, trainData, output),
	})
	if err == nil {
		t.log.Infoln("Importance matrix generation completed")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runCtx.Err() != nil {
		if isFile(output) {
			t.log.Warnf("Imatrix run stopped after %s, keeping partial output", t.config.ImatrixTimeout)
			return nil
		}
		timeout := fmt.Sprintf("timed out after %s without writing %s", t.config.ImatrixTimeout, filepath.Base(output))
		return &CommandError{
			Op:     "Imatrix generation failed",
			Err:    errors.New(timeout),
			Output: timeout + result.combined(),
		}
	}
	return &CommandError{Op: "Imatrix generation failed", Err: err, Output: result.combined()}
}

// hideRPCLibrary renames the RPC backend library out of the way if present
// and returns a function that puts it back.
func (t *Toolchain) hideRPCLibrary() (func(), error) {
	path := filepath.Join(t.config.Dir, rpcLibrary)
	hidden := path + ".hidden"
	if !isFile(path) {
		return func() {}, nil
	}
	t.log.Infof("Temporarily hiding %s", path)
	if err := os.Rename(path, hidden); err != nil {
		return nil, fmt.Errorf("hiding %s: %w", rpcLibrary, err)
	}
	return func() {
		t.log.Infof("Restoring %s", path)
		if err := os.Rename(hidden, path); err != nil {
			t.log.Errorf("Failed to restore %s: %v", path, err)
		}
	}, nil
}

// Quantize quantizes an f16 GGUF file. imatrix may be empty.
func (t *Toolchain) Quantize(ctx context.Context, fp16, output, method, imatrix string, out io.Writer) error {
	result, err := t.run(ctx, runOptions{
		workDir: filepath.Dir(output),
		out:     out,
		name:    t.Executable("llama-quantize"),
		args:    t.QuantizeArgs(fp16, output, method, imatrix),
	})
	if err != nil {
		return &CommandError{Op: "Error quantizing", Err: err, Output: result.stderr}
	}
	t.log.Infof("Quantized %s with %s", filepath.Base(output), method)
	return nil
}

// Split shards a GGUF file next to itself, removes the original and returns
// the shard paths in order.
func (t *Toolchain) Split(ctx context.Context, model string, maxTensors int, maxSize string, out io.Writer) ([]string, error) {
	prefix := strings.TrimSuffix(model, filepath.Ext(model))
	result, err := t.run(ctx, runOptions{
		workDir: filepath.Dir(model),
		out:     out,
		name:    t.Executable("llama-gguf-split"),
		args:    SplitArgs(model, prefix, maxTensors, maxSize),
	})
	if err != nil {
		return nil, &CommandError{Op: "Error splitting the model", Err: err, Output: result.stderr}
	}
	t.log.Infoln("Model split successfully")

	if err := os.Remove(model); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing unsplit model: %w", err)
	}
	return Shards(filepath.Dir(model), filepath.Base(prefix))
}

// Shards lists the GGUF files in dir whose name starts with prefix.
func Shards(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing shards: %w", err)
	}
	var shards []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".gguf") {
			shards = append(shards, filepath.Join(dir, name))
		}
	}
	if len(shards) == 0 {
		return nil, ErrNoShards
	}
	sort.Strings(shards)
	return shards, nil
}

type runOptions struct {
	workDir string
	out     io.Writer
	name    string
	args    []string
}

type runResult struct {
	stdout string
	stderr string
}

func (r runResult) combined() string {
	return fmt.Sprintf("\nSTDOUT:\n%s\n\nSTDERR:\n%s", r.stdout, r.stderr)
}

// run starts a sandboxed tool and waits for it. Output is streamed to the
// component log and to opts.out, and the tails of stdout and stderr are
// returned.
func (t *Toolchain) run(ctx context.Context, opts runOptions) (runResult, error) {
	t.log.Infof("Running %s %s", opts.name, utils.SanitizeForLog(strings.Join(opts.args, " ")))

	stdoutTail := tailbuffer.NewTailBuffer(outputTail)
	stderrTail := tailbuffer.NewTailBuffer(outputTail)
	logStream := t.log.Writer()
	defer logStream.Close()

	var stdout, stderr io.Writer = io.MultiWriter(logStream, stdoutTail), io.MultiWriter(logStream, stderrTail)
	if opts.out != nil {
		stdout = io.MultiWriter(stdout, opts.out)
		stderr = io.MultiWriter(stderr, opts.out)
	}

	box, err := sandbox.Start(
		ctx,
		sandbox.Toolchain(opts.workDir),
		func(command *exec.Cmd) {
			sandbox.WithGracefulStop(command, t.config.GracePeriod)
			command.Stdout = stdout
			command.Stderr = stderr
		},
		opts.name,
		opts.args...,
	)
	if err != nil {
		return runResult{}, fmt.Errorf("unable to start %s: %w", filepath.Base(opts.name), err)
	}
	defer box.Close()

	err = box.Command().Wait()
	result := runResult{stdout: stdoutTail.String(), stderr: stderrTail.String()}
	if err != nil {
		return result, fmt.Errorf("%s exit status: %w", filepath.Base(opts.name), err)
	}
	return result, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
