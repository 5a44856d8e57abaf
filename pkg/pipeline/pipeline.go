// Package pipeline runs the download, convert, quantize and upload steps of
// a request. The work is split in two phases so that users can review the
// generated files before publishing them: Quantize leaves its results in a
// workspace and Upload publishes a workspace and removes it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"

	"github.com/docker/gguf-my-repo/pkg/cache"
	"github.com/docker/gguf-my-repo/pkg/diskusage"
	"github.com/docker/gguf-my-repo/pkg/gguf"
	"github.com/docker/gguf-my-repo/pkg/hub"
	"github.com/docker/gguf-my-repo/internal/utils"
	"github.com/docker/gguf-my-repo/pkg/llamacpp"
	"github.com/docker/gguf-my-repo/pkg/logging"
	"github.com/docker/gguf-my-repo/pkg/modelcard"
	"github.com/docker/gguf-my-repo/pkg/workspace"
)

// Hub is the registry API used by the pipeline. It is implemented by
// *hub.Client.
type Hub interface {
	WhoAmI(ctx context.Context) (*hub.User, error)
	ListRepoTree(ctx context.Context, repoID, revision string, recursive bool) ([]hub.TreeEntry, error)
	SnapshotDownload(ctx context.Context, request hub.DownloadRequest, progress hub.ProgressFunc) ([]string, error)
	DownloadFile(ctx context.Context, repoID, path string) ([]byte, error)
	CreateRepo(ctx context.Context, request hub.CreateRepoRequest) (*hub.RepoURL, error)
	UploadFile(ctx context.Context, request hub.UploadRequest) (*hub.CommitInfo, error)
}

// HubFunc returns a Hub acting with the given access token.
type HubFunc func(token string) Hub

// Toolchain runs the llama.cpp tools. It is implemented by
// *llamacpp.Toolchain.
type Toolchain interface {
	DefaultTrainingData() string
	Convert(ctx context.Context, modelDir, outfile string, out io.Writer) error
	GenerateImportanceMatrix(ctx context.Context, model, trainData, output string, out io.Writer) error
	Quantize(ctx context.Context, fp16, output, method, imatrix string, out io.Writer) error
	Split(ctx context.Context, model string, maxTensors int, maxSize string, out io.Writer) ([]string, error)
}

// Config configures a Pipeline.
type Config struct {
	// OutputsDir holds the per-request workspaces.
	OutputsDir string
	// DownloadsDir holds temporary downloads when Cache is disabled.
	DownloadsDir string
	// Cache keeps downloaded models across requests. It may be nil.
	Cache *cache.Cache
	// CardSpaceID is the Space credited in generated model cards.
	CardSpaceID string
	// Endpoint is the Hub base URL used in generated model cards.
	Endpoint string
}

// Result describes the files produced by Quantize.
type Result struct {
	// ID identifies the workspace below the outputs directory.
	ID  string `json:"id"`
	Dir string `json:"-"`
	// QuantizedPath is the quantized model.
	QuantizedPath string `json:"quantized_path"`
	// ImatrixPath is set when an importance matrix was generated.
	ImatrixPath string `json:"imatrix_path,omitempty"`
	ReadmePath  string `json:"readme_path"`
	// RepoName is the repository Upload will publish to.
	RepoName string           `json:"repo_name"`
	Files    []workspace.File `json:"files"`
	// Summary describes the quantized model. It is nil when the file could
	// not be parsed.
	Summary *gguf.Summary `json:"summary,omitempty"`
}

// Published describes an uploaded repository.
type Published struct {
	RepoID string `json:"repo_id"`
	URL    string `json:"url"`
}

// Pipeline runs requests.
type Pipeline struct {
	log    logging.Logger
	hubs   HubFunc
	tools  Toolchain
	config Config
}

// New creates a pipeline.
func New(log logging.Logger, hubs HubFunc, tools Toolchain, config Config) *Pipeline {
	return &Pipeline{
		log:    log,
		hubs:   hubs,
		tools:  tools,
		config: config,
	}
}

// progress writes status lines to the request's output and the log.
type progress struct {
	log logging.Logger
	out io.Writer
}

func (p progress) printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.log.Info(msg)
	fmt.Fprintln(p.out, msg)
}

func (p *Pipeline) progress(out io.Writer) progress {
	if out == nil {
		out = io.Discard
	}
	return progress{log: p.log, out: out}
}

// authenticate returns the user owning token.
func (p *Pipeline) authenticate(ctx context.Context, token string) (Hub, *hub.User, error) {
	if token == "" {
		return nil, nil, ErrNotLoggedIn
	}
	h := p.hubs(token)
	user, err := h.WhoAmI(ctx)
	if errors.Is(err, hub.ErrUnauthorized) {
		return nil, nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, nil, fmt.Errorf("validating access token: %w", err)
	}
	return h, user, nil
}

// Quantize downloads, converts and quantizes a model into a new workspace
// and writes the model card and the options Upload needs. The workspace is
// removed when any step fails.
func (p *Pipeline) Quantize(ctx context.Context, token string, req Request, out io.Writer) (_ *Result, retErr error) {
	pr := p.progress(out)
	h, user, err := p.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	trainData := ""
	if req.UseImatrix {
		trainData = req.TrainDataPath
		if trainData == "" {
			trainData = p.tools.DefaultTrainingData()
		}
		if fi, err := os.Stat(trainData); err != nil || !fi.Mode().IsRegular() {
			return nil, &llamacpp.MissingFileError{Kind: llamacpp.KindTrainingData, Path: trainData}
		}
	}

	modelName := ModelName(req.ModelID)
	method := req.Method()
	pr.printf("Processing %s with %s", utils.SanitizeForLog(req.ModelID), method)

	ws, err := workspace.New(p.config.OutputsDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			if err := ws.Remove(); err != nil {
				p.log.Warnf("Failed to clean up %s: %v", ws.Dir(), err)
			}
		}
	}()

	modelDir, cleanup, err := p.download(ctx, h, req.ModelID, pr)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if isFile(filepath.Join(modelDir, "adapter_config.json")) && !isFile(filepath.Join(modelDir, "config.json")) {
		return nil, ErrAdapterModel
	}

	fp16 := ws.FP16Path(modelName)
	pr.printf("Converting %s to fp16", modelName)
	if err := p.tools.Convert(ctx, modelDir, fp16, out); err != nil {
		return nil, err
	}
	cleanup()
	pr.printf("Model converted to fp16 successfully: %s", filepath.Base(fp16))

	imatrix := ""
	if req.UseImatrix {
		imatrix = ws.ImatrixPath()
		pr.printf("Generating importance matrix from %s", filepath.Base(trainData))
		if err := p.tools.GenerateImportanceMatrix(ctx, fp16, trainData, imatrix, out); err != nil {
			return nil, err
		}
	}

	quantizedName := QuantizedFileName(modelName, method, req.UseImatrix)
	quantized := ws.Path(quantizedName)
	pr.printf("Quantizing with %s", method)
	if err := p.tools.Quantize(ctx, fp16, quantized, method, imatrix, out); err != nil {
		return nil, err
	}
	if err := os.Remove(fp16); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warnf("Failed to remove %s: %v", fp16, err)
	}
	pr.printf("Quantized successfully: %s", quantizedName)

	repoName := RepoName(user.Name, modelName, method)
	if err := ws.SaveOptions(workspace.Options{
		ModelID:         req.ModelID,
		RepoName:        repoName,
		Private:         req.Private,
		Split:           req.Split,
		SplitMaxTensors: req.SplitMaxTensors,
		SplitMaxSize:    req.SplitMaxSize,
	}); err != nil {
		return nil, err
	}

	if err := p.writeCard(ctx, h, ws, req, repoName, quantizedName); err != nil {
		return nil, err
	}

	result := &Result{
		ID:            ws.ID(),
		Dir:           ws.Dir(),
		QuantizedPath: quantized,
		ReadmePath:    ws.ReadmePath(),
		RepoName:      repoName,
	}
	if ws.HasImatrix() {
		result.ImatrixPath = ws.ImatrixPath()
	}
	if result.Files, err = ws.Files(); err != nil {
		return nil, err
	}
	if summary, err := gguf.Inspect(quantized); err != nil {
		p.log.Warnf("Could not inspect %s: %v", quantizedName, err)
	} else {
		result.Summary = summary
	}
	pr.printf("Files generated successfully. You can now download them locally or choose an action below.")
	return result, nil
}

// download fetches the model files, through the cache when it is enabled.
// The returned cleanup removes temporary downloads and may be called more
// than once.
func (p *Pipeline) download(ctx context.Context, h Hub, modelID string, pr progress) (string, func(), error) {
	noop := func() {}
	entries, err := h.ListRepoTree(ctx, modelID, "", true)
	listed := err == nil
	if !listed {
		if errors.Is(err, hub.ErrNotFound) {
			return "", noop, fmt.Errorf("repository %s not found: %w", modelID, err)
		}
		pr.printf("Could not determine primary file type, downloading both .safetensors and .bin")
		p.log.Debugf("Listing %s failed: %v", utils.SanitizeForLog(modelID), err)
	}
	patterns := DownloadPatterns(entries, listed)

	request := hub.DownloadRequest{RepoID: modelID, AllowPatterns: patterns}
	if listed {
		request.Entries = entries
	}
	fetch := func(ctx context.Context, dir string) error {
		if listed {
			if err := p.checkDiskSpace(dir, hub.FilterEntries(entries, patterns)); err != nil {
				return err
			}
		}
		request.LocalDir = dir
		files, err := h.SnapshotDownload(ctx, request, func(path string, size int64, done, total int) {
			pr.printf("Downloaded %s (%s) [%d/%d]", path, units.HumanSize(float64(size)), done, total)
		})
		if err != nil {
			return fmt.Errorf("downloading %s: %w", modelID, err)
		}
		pr.printf("Model downloaded successfully: %d files", len(files))
		return nil
	}

	if c := p.config.Cache; c != nil && c.Enabled() {
		dir, err := c.Ensure(ctx, modelID, fetch)
		if err != nil {
			return "", noop, err
		}
		return dir, noop, nil
	}

	if err := os.MkdirAll(p.config.DownloadsDir, 0o755); err != nil {
		return "", noop, fmt.Errorf("creating downloads directory: %w", err)
	}
	tmp, err := os.MkdirTemp(p.config.DownloadsDir, "download-")
	if err != nil {
		return "", noop, fmt.Errorf("creating download directory: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(tmp); err != nil {
			p.log.Warnf("Failed to remove %s: %v", tmp, err)
		}
	}
	// The directory name populates the model name metadata.
	dir := filepath.Join(tmp, ModelName(modelID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("creating download directory: %w", err)
	}
	if err := fetch(ctx, dir); err != nil {
		cleanup()
		return "", noop, err
	}
	return dir, cleanup, nil
}

// checkDiskSpace refuses downloads that do not fit on the target volume.
func (p *Pipeline) checkDiskSpace(dir string, entries []hub.TreeEntry) error {
	var need int64
	for _, e := range entries {
		need += e.Size
	}
	free, err := diskusage.Free(dir)
	if err != nil {
		p.log.Warnf("Could not determine free disk space: %v", err)
		return nil
	}
	if uint64(need) > free {
		return fmt.Errorf("%w: need %s, %s available", ErrInsufficientDisk,
			units.HumanSize(float64(need)), units.HumanSize(float64(free)))
	}
	return nil
}

func (p *Pipeline) writeCard(ctx context.Context, h Hub, ws *workspace.Workspace, req Request, repoName, fileName string) error {
	source, err := modelcard.Load(ctx, h, req.ModelID)
	if err != nil {
		p.log.Debugf("Using an empty source card: %v", err)
	}
	card, err := modelcard.Generate(modelcard.Params{
		ModelID:     req.ModelID,
		RepoID:      repoName,
		FileName:    fileName,
		QuantMethod: req.Method(),
		Imatrix:     req.UseImatrix,
		SpaceID:     p.config.CardSpaceID,
		Endpoint:    p.config.Endpoint,
		Source:      source,
	})
	if err != nil {
		return err
	}
	return card.Save(ws.ReadmePath())
}

// Upload publishes a workspace created by Quantize: it creates the
// repository, splits the model when requested and uploads the model, the
// importance matrix and the model card. The workspace is removed whatever
// the outcome.
func (p *Pipeline) Upload(ctx context.Context, token, dir string, out io.Writer) (*Published, error) {
	pr := p.progress(out)
	ws, err := workspace.Open(p.config.OutputsDir, dir)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return nil, ErrWorkspaceMissing
		}
		return nil, err
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			p.log.Warnf("Failed to clean up %s: %v", ws.Dir(), err)
			return
		}
		p.log.Infof("Cleaned up temporary directory: %s", ws.ID())
	}()

	h, user, err := p.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	opts, err := ws.LoadOptions()
	if err != nil {
		return nil, err
	}
	quantized, err := ws.QuantizedModel()
	if err != nil {
		return nil, err
	}
	quantizedName := filepath.Base(quantized)

	repoID, err := uploadRepoID(user.Name, opts.RepoName, quantizedName)
	if err != nil {
		return nil, err
	}
	repo, err := h.CreateRepo(ctx, hub.CreateRepoRequest{RepoID: repoID, Private: opts.Private, ExistOK: true})
	if err != nil {
		return nil, fmt.Errorf("creating repository %s: %w", repoID, err)
	}
	pr.printf("Repo created/retrieved: %s", repo.URL)

	upload := func(localPath, pathInRepo string) error {
		pr.printf("Uploading %s", pathInRepo)
		_, err := h.UploadFile(ctx, hub.UploadRequest{RepoID: repo.RepoID, LocalPath: localPath, PathInRepo: pathInRepo})
		return err
	}

	if opts.Split {
		shards, err := p.tools.Split(ctx, quantized, opts.SplitMaxTensors, opts.SplitMaxSize, out)
		if err != nil {
			return nil, err
		}
		pr.printf("Model split successfully into %d files", len(shards))
		for _, shard := range shards {
			if err := upload(shard, filepath.Base(shard)); err != nil {
				return nil, fmt.Errorf("Error uploading file %s: %w", filepath.Base(shard), err)
			}
		}
		if ws.HasReadme() {
			if err := pointCardAtShard(ws.ReadmePath(), quantizedName, filepath.Base(shards[0])); err != nil {
				p.log.Warnf("Failed to update the model card: %v", err)
			}
		}
	} else if err := upload(quantized, quantizedName); err != nil {
		return nil, fmt.Errorf("Error uploading quantized model: %w", err)
	}

	if ws.HasImatrix() {
		if err := upload(ws.ImatrixPath(), workspace.ImatrixFile); err != nil {
			return nil, fmt.Errorf("Error uploading imatrix.dat: %w", err)
		}
	}
	if ws.HasReadme() {
		if err := upload(ws.ReadmePath(), workspace.ReadmeFile); err != nil {
			return nil, fmt.Errorf("Error uploading README.md: %w", err)
		}
	}
	pr.printf("Uploaded successfully to %s", repo.RepoID)
	return &Published{RepoID: repo.RepoID, URL: repo.URL}, nil
}

// uploadRepoID places the repository recorded in the workspace under the
// uploading user. Workspaces without the record get a name derived from the
// quantized file.
func uploadRepoID(user, recorded, quantizedName string) (string, error) {
	if recorded != "" {
		return user + "/" + path.Base(recorded), nil
	}
	modelName, method, ok := parseQuantizedFileName(quantizedName)
	if !ok {
		return "", fmt.Errorf("cannot derive a repository name from %s", quantizedName)
	}
	return RepoName(user, modelName, method), nil
}

// pointCardAtShard rewrites the usage commands of a card to load a split
// model from its first shard.
func pointCardAtShard(readme, from, to string) error {
	data, err := os.ReadFile(readme)
	if err != nil {
		return err
	}
	content := strings.ReplaceAll(string(data), "--hf-file "+from, "--hf-file "+to)
	return os.WriteFile(readme, []byte(content), 0o644)
}

// Discard removes a workspace. It reports false when there was nothing to
// remove.
func (p *Pipeline) Discard(dir string) (bool, error) {
	ws, err := workspace.Open(p.config.OutputsDir, dir)
	if errors.Is(err, workspace.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := ws.Remove(); err != nil {
		return false, err
	}
	p.log.Infof("User deleted temporary directory: %s", ws.ID())
	return true, nil
}

// Run quantizes and publishes a model in one go.
func (p *Pipeline) Run(ctx context.Context, token string, req Request, out io.Writer) (*Published, error) {
	result, err := p.Quantize(ctx, token, req, out)
	if err != nil {
		return nil, err
	}
	return p.Upload(ctx, token, result.Dir, out)
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
