// Package workspace manages the per-request output directory. Besides the
// generated artifacts it holds marker files recording the options chosen in
// the first phase, so that the upload phase can run from the directory
// alone.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Marker and artifact file names.
const (
	PrivateRepoFlag  = "private_repo.flag"
	SplitModelFlag   = "split_model.flag"
	SplitTensorsFile = "split_tensors.dat"
	SplitSizeFile    = "split_size.dat"
	ModelIDFile      = "model_id.dat"
	RepoNameFile     = "repo_name.dat"
	ReadmeFile       = "README.md"
	ImatrixFile      = "imatrix.dat"
	// FP16Suffix ends the name of the unquantized intermediate file.
	FP16Suffix = ".fp16.gguf"
)

// defaultSplitMaxTensors applies when the tensors marker is missing.
const defaultSplitMaxTensors = 256

var (
	// ErrNotFound is returned when a workspace directory does not exist.
	ErrNotFound = errors.New("workspace not found")
	// ErrOutsideRoot is returned for directories outside the outputs root.
	ErrOutsideRoot = errors.New("workspace is outside the outputs directory")
	// ErrNoQuantizedFile is returned when no quantized model is present.
	ErrNoQuantizedFile = errors.New("could not find the quantized GGUF file")
)

// Options are the first-phase choices persisted for the upload phase.
type Options struct {
	ModelID         string
	RepoName        string
	Private         bool
	Split           bool
	SplitMaxTensors int
	SplitMaxSize    string
}

// File is an artifact offered for download.
type File struct {
	Name string
	Size int64
}

// Workspace is a single request's output directory.
type Workspace struct {
	dir string
}

// New creates a fresh workspace below root.
func New(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating outputs directory: %w", err)
	}
	dir, err := os.MkdirTemp(root, "gguf-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Workspace{dir: abs}, nil
}

// Open returns an existing workspace. dir may be absolute or relative to
// root, and must be a direct child of root.
func Open(root, dir string) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(absRoot, dir)
	}
	dir = filepath.Clean(dir)
	if filepath.Dir(dir) != absRoot {
		return nil, fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(dir))
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the absolute workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// ID returns the directory's name, which identifies it below the root.
func (w *Workspace) ID() string {
	return filepath.Base(w.dir)
}

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// FP16Path is where the converted, unquantized model is written.
func (w *Workspace) FP16Path(modelName string) string {
	return w.Path(modelName + FP16Suffix)
}

// ImatrixPath returns the importance matrix location.
func (w *Workspace) ImatrixPath() string {
	return w.Path(ImatrixFile)
}

// ReadmePath returns the model card location.
func (w *Workspace) ReadmePath() string {
	return w.Path(ReadmeFile)
}

// HasImatrix reports whether an importance matrix was generated.
func (w *Workspace) HasImatrix() bool {
	return exists(w.ImatrixPath())
}

// HasReadme reports whether a model card was written.
func (w *Workspace) HasReadme() bool {
	return exists(w.ReadmePath())
}

// SaveOptions writes the marker files for opts.
func (w *Workspace) SaveOptions(opts Options) error {
	write := func(name, content string) error {
		if err := os.WriteFile(w.Path(name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		return nil
	}
	if opts.ModelID != "" {
		if err := write(ModelIDFile, opts.ModelID); err != nil {
			return err
		}
	}
	if opts.RepoName != "" {
		if err := write(RepoNameFile, opts.RepoName); err != nil {
			return err
		}
	}
	if opts.Private {
		if err := write(PrivateRepoFlag, ""); err != nil {
			return err
		}
	}
	if !opts.Split {
		return nil
	}
	if err := write(SplitModelFlag, ""); err != nil {
		return err
	}
	tensors := opts.SplitMaxTensors
	if tensors <= 0 {
		tensors = defaultSplitMaxTensors
	}
	if err := write(SplitTensorsFile, strconv.Itoa(tensors)); err != nil {
		return err
	}
	if opts.SplitMaxSize != "" {
		return write(SplitSizeFile, opts.SplitMaxSize)
	}
	return nil
}

// LoadOptions reads the marker files. A missing tensors marker defaults to
// 256 and a missing size marker leaves the size empty.
func (w *Workspace) LoadOptions() (Options, error) {
	opts := Options{
		Private:         exists(w.Path(PrivateRepoFlag)),
		Split:           exists(w.Path(SplitModelFlag)),
		SplitMaxTensors: defaultSplitMaxTensors,
	}
	var err error
	if opts.ModelID, err = w.readMarker(ModelIDFile); err != nil {
		return opts, err
	}
	if opts.RepoName, err = w.readMarker(RepoNameFile); err != nil {
		return opts, err
	}
	if opts.SplitMaxSize, err = w.readMarker(SplitSizeFile); err != nil {
		return opts, err
	}
	tensors, err := w.readMarker(SplitTensorsFile)
	if err != nil {
		return opts, err
	}
	if tensors != "" {
		if opts.SplitMaxTensors, err = strconv.Atoi(tensors); err != nil {
			return opts, fmt.Errorf("invalid %s: %w", SplitTensorsFile, err)
		}
	}
	return opts, nil
}

func (w *Workspace) readMarker(name string) (string, error) {
	data, err := os.ReadFile(w.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// QuantizedModel returns the first GGUF file, by name, that is not the f16
// intermediate.
func (w *Workspace) QuantizedModel() (string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return "", fmt.Errorf("listing workspace: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasSuffix(name, ".gguf") && !strings.HasSuffix(name, FP16Suffix) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", ErrNoQuantizedFile
	}
	sort.Strings(names)
	return w.Path(names[0]), nil
}

// Files lists the artifacts users may download: GGUF files other than the
// f16 intermediate, the importance matrix and the model card.
func (w *Workspace) Files() ([]File, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("listing workspace: %w", err)
	}
	var files []File
	for _, e := range entries {
		if !Downloadable(e.Name()) || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, File{Name: e.Name(), Size: info.Size()})
	}
	return files, nil
}

// Downloadable reports whether an artifact name may be served to users.
func Downloadable(name string) bool {
	if name != filepath.Base(name) {
		return false
	}
	switch {
	case name == ImatrixFile, name == ReadmeFile:
		return true
	case strings.HasSuffix(name, FP16Suffix):
		return false
	default:
		return strings.HasSuffix(name, ".gguf")
	}
}

// Remove deletes the workspace and everything in it.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
