package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/docker/gguf-my-repo/pkg/cache"
	"github.com/docker/gguf-my-repo/pkg/hub"
	"github.com/docker/gguf-my-repo/pkg/workspace"
)

type mockHub struct {
	mock.Mock
}

func (m *mockHub) WhoAmI(ctx context.Context) (*hub.User, error) {
	args := m.Called(ctx)
	user, _ := args.Get(0).(*hub.User)
	return user, args.Error(1)
}

func (m *mockHub) ListRepoTree(ctx context.Context, repoID, revision string, recursive bool) ([]hub.TreeEntry, error) {
	args := m.Called(ctx, repoID, revision, recursive)
	entries, _ := args.Get(0).([]hub.TreeEntry)
	return entries, args.Error(1)
}

func (m *mockHub) SnapshotDownload(ctx context.Context, request hub.DownloadRequest, progress hub.ProgressFunc) ([]string, error) {
	args := m.Called(ctx, request, progress)
	files, _ := args.Get(0).([]string)
	return files, args.Error(1)
}

func (m *mockHub) DownloadFile(ctx context.Context, repoID, path string) ([]byte, error) {
	args := m.Called(ctx, repoID, path)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockHub) CreateRepo(ctx context.Context, request hub.CreateRepoRequest) (*hub.RepoURL, error) {
	args := m.Called(ctx, request)
	repo, _ := args.Get(0).(*hub.RepoURL)
	return repo, args.Error(1)
}

func (m *mockHub) UploadFile(ctx context.Context, request hub.UploadRequest) (*hub.CommitInfo, error) {
	args := m.Called(ctx, request)
	info, _ := args.Get(0).(*hub.CommitInfo)
	return info, args.Error(1)
}

type mockToolchain struct {
	mock.Mock
	trainingData string
}

func (m *mockToolchain) DefaultTrainingData() string {
	return m.trainingData
}

func (m *mockToolchain) Convert(ctx context.Context, modelDir, outfile string, out io.Writer) error {
	return m.Called(ctx, modelDir, outfile, out).Error(0)
}

func (m *mockToolchain) GenerateImportanceMatrix(ctx context.Context, model, trainData, output string, out io.Writer) error {
	return m.Called(ctx, model, trainData, output, out).Error(0)
}

func (m *mockToolchain) Quantize(ctx context.Context, fp16, output, method, imatrix string, out io.Writer) error {
	return m.Called(ctx, fp16, output, method, imatrix, out).Error(0)
}

func (m *mockToolchain) Split(ctx context.Context, model string, maxTensors int, maxSize string, out io.Writer) ([]string, error) {
	args := m.Called(ctx, model, maxTensors, maxSize, out)
	shards, _ := args.Get(0).([]string)
	return shards, args.Error(1)
}

type fixture struct {
	pipeline  *Pipeline
	hub       *mockHub
	tools     *mockToolchain
	outputs   string
	downloads string
	tokens    []string
}

func newFixture(t *testing.T, modelCache *cache.Cache) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	root := t.TempDir()
	f := &fixture{
		hub:       &mockHub{},
		tools:     &mockToolchain{trainingData: filepath.Join(root, "groups_merged.txt")},
		outputs:   filepath.Join(root, "outputs"),
		downloads: filepath.Join(root, "downloads"),
	}
	f.pipeline = New(log, func(token string) Hub {
		f.tokens = append(f.tokens, token)
		return f.hub
	}, f.tools, Config{
		OutputsDir:   f.outputs,
		DownloadsDir: f.downloads,
		Cache:        modelCache,
		CardSpaceID:  "ggml-org/gguf-my-repo",
	})
	t.Cleanup(func() {
		f.hub.AssertExpectations(t)
		f.tools.AssertExpectations(t)
	})
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func entriesOf(names ...string) []hub.TreeEntry {
	var entries []hub.TreeEntry
	for _, name := range names {
		entries = append(entries, hub.TreeEntry{Type: "file", Path: name, Size: 16})
	}
	return entries
}

// expectDownload makes the hub serve a model made of files.
func (f *fixture) expectDownload(t *testing.T, files ...string) *mock.Call {
	f.hub.On("ListRepoTree", mock.Anything, "org/Model", "", true).Return(entriesOf(files...), nil).Once()
	return f.hub.On("SnapshotDownload", mock.Anything, mock.MatchedBy(func(r hub.DownloadRequest) bool {
		return r.RepoID == "org/Model" && len(r.Entries) == len(files)
	}), mock.Anything).Run(func(args mock.Arguments) {
		r := args.Get(1).(hub.DownloadRequest)
		assert.True(t, strings.HasSuffix(r.LocalDir, "Model"), "the model name is kept as the directory name")
		for _, name := range hub.FilterEntries(r.Entries, r.AllowPatterns) {
			writeFile(t, filepath.Join(r.LocalDir, name.Path), "{}")
		}
	}).Return(files, nil).Once()
}

func (f *fixture) expectUser() {
	f.hub.On("WhoAmI", mock.Anything).Return(&hub.User{Name: "alice"}, nil)
}

func (f *fixture) expectConvert(t *testing.T) {
	f.tools.On("Convert", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		assert.FileExists(t, filepath.Join(args.String(1), "config.json"))
		writeFile(t, args.String(2), "fp16")
	}).Return(nil).Once()
}

func (f *fixture) expectQuantize(t *testing.T, method, imatrix string) {
	f.tools.On("Quantize", mock.Anything, mock.Anything, mock.Anything, method, imatrix, mock.Anything).Run(func(args mock.Arguments) {
		assert.FileExists(t, args.String(1))
		writeFile(t, args.String(2), "quantized")
	}).Return(nil).Once()
}

func uploadOf(path string) any {
	return mock.MatchedBy(func(r hub.UploadRequest) bool {
		return r.PathInRepo == path
	})
}

func entriesIn(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestQuantizeThenUpload(t *testing.T) {
	f := newFixture(t, nil)
	f.expectUser()
	f.expectDownload(t, "config.json", "model.safetensors", "pytorch_model.bin", "README.md")
	f.hub.On("DownloadFile", mock.Anything, "org/Model", "README.md").
		Return([]byte("---\nlicense: mit\n---\n# Model\n"), nil).Once()
	f.expectConvert(t)
	f.expectQuantize(t, "Q4_K_M", "")

	result, err := f.pipeline.Quantize(t.Context(), "hf_token", Request{ModelID: "org/Model", Private: true}, nil)
	require.NoError(t, err)

	assert.Equal(t, "alice/Model-Q4_K_M-GGUF", result.RepoName)
	assert.Equal(t, "model-q4_k_m.gguf", filepath.Base(result.QuantizedPath))
	assert.Empty(t, result.ImatrixPath)
	assert.Nil(t, result.Summary)
	assert.NoFileExists(t, filepath.Join(result.Dir, "Model.fp16.gguf"))
	assert.FileExists(t, filepath.Join(result.Dir, workspace.PrivateRepoFlag))
	assert.Empty(t, entriesIn(t, f.downloads), "temporary downloads are removed")

	var names []string
	for _, file := range result.Files {
		names = append(names, file.Name)
	}
	assert.ElementsMatch(t, []string{"README.md", "model-q4_k_m.gguf"}, names)

	readme, err := os.ReadFile(result.ReadmePath)
	require.NoError(t, err)
	assert.Contains(t, string(readme), "license: mit")
	assert.Contains(t, string(readme), "base_model: org/Model")
	assert.Contains(t, string(readme), "--hf-file model-q4_k_m.gguf")

	f.hub.On("CreateRepo", mock.Anything, hub.CreateRepoRequest{RepoID: "alice/Model-Q4_K_M-GGUF", Private: true, ExistOK: true}).
		Return(&hub.RepoURL{URL: "https://huggingface.co/alice/Model-Q4_K_M-GGUF", RepoID: "alice/Model-Q4_K_M-GGUF"}, nil).Once()
	f.hub.On("UploadFile", mock.Anything, uploadOf("model-q4_k_m.gguf")).Return(&hub.CommitInfo{}, nil).Once()
	f.hub.On("UploadFile", mock.Anything, uploadOf("README.md")).Return(&hub.CommitInfo{}, nil).Once()

	var out strings.Builder
	published, err := f.pipeline.Upload(t.Context(), "hf_token", result.ID, &out)
	require.NoError(t, err)
	assert.Equal(t, &Published{RepoID: "alice/Model-Q4_K_M-GGUF", URL: "https://huggingface.co/alice/Model-Q4_K_M-GGUF"}, published)
	assert.NoDirExists(t, result.Dir)
	assert.Contains(t, out.String(), "Uploading model-q4_k_m.gguf")
	assert.Equal(t, []string{"hf_token", "hf_token"}, f.tokens)

	f.hub.AssertNotCalled(t, "UploadFile", mock.Anything, uploadOf("imatrix.dat"))
}

func TestQuantizeRequiresLogin(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.pipeline.Quantize(t.Context(), "", Request{ModelID: "org/Model"}, nil)
	require.ErrorIs(t, err, ErrNotLoggedIn)

	f.hub.On("WhoAmI", mock.Anything).Return(nil, &hub.APIError{StatusCode: 401}).Once()
	_, err = f.pipeline.Quantize(t.Context(), "bad", Request{ModelID: "org/Model"}, nil)
	require.ErrorIs(t, err, ErrNotLoggedIn)
	assert.Empty(t, entriesIn(t, f.outputs))
}

func TestQuantizeRejectsAdapters(t *testing.T) {
	f := newFixture(t, nil)
	f.expectUser()
	f.expectDownload(t, "adapter_config.json", "adapter_model.safetensors")

	_, err := f.pipeline.Quantize(t.Context(), "hf_token", Request{ModelID: "org/Model"}, nil)
	require.ErrorIs(t, err, ErrAdapterModel)
	assert.Empty(t, entriesIn(t, f.outputs), "failed workspaces are removed")
	assert.Empty(t, entriesIn(t, f.downloads))
}

func TestQuantizeConvertFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.expectUser()
	f.expectDownload(t, "config.json", "pytorch_model.bin")
	f.tools.On("Convert", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("Error converting to fp16: unsupported architecture")).Once()

	_, err := f.pipeline.Quantize(t.Context(), "hf_token", Request{ModelID: "org/Model"}, nil)
	require.EqualError(t, err, "Error converting to fp16: unsupported architecture")
	assert.Empty(t, entriesIn(t, f.outputs))
}

func TestQuantizeMissingTrainingData(t *testing.T) {
	f := newFixture(t, nil)
	f.expectUser()

	_, err := f.pipeline.Quantize(t.Context(), "hf_token", Request{ModelID: "org/Model", UseImatrix: true}, nil)
	require.ErrorIs(t, err, ErrTrainingDataNotFound)
	assert.Contains(t, err.Error(), "Training data file not found: ")
	f.hub.AssertNotCalled(t, "ListRepoTree", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestQuantizeWithImatrix(t *testing.T) {
	f := newFixture(t, nil)
	writeFile(t, f.tools.trainingData, "calibration text")
	f.expectUser()
	f.expectDownload(t, "config.json", "model.safetensors")
	f.hub.On("DownloadFile", mock.Anything, "org/Model", "README.md").Return(nil, hub.ErrNotFound).Once()
	f.expectConvert(t)
	f.tools.On("GenerateImportanceMatrix", mock.Anything, mock.Anything, f.tools.trainingData, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			writeFile(t, args.String(3), "imatrix")
		}).Return(nil).Once()
	f.tools.On("Quantize", mock.Anything, mock.Anything, mock.Anything, "IQ4_NL", mock.MatchedBy(func(imatrix string) bool {
		return filepath.Base(imatrix) == "imatrix.dat"
	}), mock.Anything).Run(func(args mock.Arguments) {
		writeFile(t, args.String(2), "quantized")
	}).Return(nil).Once()

	result, err := f.pipeline.Quantize(t.Context(), "hf_token", Request{ModelID: "org/Model", UseImatrix: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "model-iq4_nl-imat.gguf", filepath.Base(result.QuantizedPath))
	assert.Equal(t, "alice/Model-IQ4_NL-GGUF", result.RepoName)
	assert.FileExists(t, result.ImatrixPath)

	readme, err := os.ReadFile(result.ReadmePath)
	require.NoError(t, err)
	assert.Contains(t, string(readme), "- llama-cpp\n- gguf-my-repo\n")
}

func TestQuantizeUsesCache(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	modelCache := cache.New(log, filepath.Join(t.TempDir(), "model_cache"))
	f := newFixture(t, modelCache)
	f.expectUser()
	f.expectDownload(t, "config.json", "model.safetensors")
	f.hub.On("ListRepoTree", mock.Anything, "org/Model", "", true).Return(entriesOf("config.json", "model.safetensors"), nil).Once()
	f.hub.On("DownloadFile", mock.Anything, "org/Model", "README.md").Return(nil, hub.ErrNotFound).Twice()
	f.tools.On("Convert", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		assert.FileExists(t, filepath.Join(args.String(1), cache.SentinelFile))
		writeFile(t, args.String(2), "fp16")
	}).Return(nil).Twice()
	f.tools.On("Quantize", mock.Anything, mock.Anything, mock.Anything, "Q4_K_M", "", mock.Anything).Run(func(args mock.Arguments) {
		writeFile(t, args.String(2), "quantized")
	}).Return(nil).Twice()

	for range 2 {
		_, err := f.pipeline.Quantize(t.Context(), "hf_token", Request{ModelID: "org/Model"}, nil)
		require.NoError(t, err)
	}
	assert.True(t, modelCache.IsComplete("org/Model"))
	assert.Empty(t, entriesIn(t, f.downloads))
}

func TestQuantizeInsufficientDisk(t *testing.T) {
	f := newFixture(t, nil)
	f.expectUser()
	f.hub.On("ListRepoTree", mock.Anything, "org/Model", "", true).Return([]hub.TreeEntry{
		{Type: "file", Path: "config.json", Size: 10},
		{Type: "file", Path: "model.safetensors", Size: 1 << 62},
	}, nil).Once()

	_, err := f.pipeline.Quantize(t.Context(), "hf_token", Request{ModelID: "org/Model"}, nil)
	require.ErrorIs(t, err, ErrInsufficientDisk)
	assert.Empty(t, entriesIn(t, f.outputs))
	assert.Empty(t, entriesIn(t, f.downloads))
}

// newWorkspace lays out a workspace as Quantize leaves it.
func newWorkspace(t *testing.T, outputs string, opts workspace.Options, imatrix bool) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New(outputs)
	require.NoError(t, err)
	require.NoError(t, ws.SaveOptions(opts))
	writeFile(t, ws.Path("model-q4_k_m.gguf"), "quantized")
	writeFile(t, ws.ReadmePath(), "llama-cli --hf-repo alice/Model-Q4_K_M-GGUF --hf-file model-q4_k_m.gguf\n")
	if imatrix {
		writeFile(t, ws.ImatrixPath(), "imatrix")
	}
	return ws
}

func TestUploadSplit(t *testing.T) {
	f := newFixture(t, nil)
	ws := newWorkspace(t, f.outputs, workspace.Options{
		ModelID:         "org/Model",
		RepoName:        "alice/Model-Q4_K_M-GGUF",
		Split:           true,
		SplitMaxTensors: 128,
	}, true)
	f.expectUser()
	f.hub.On("CreateRepo", mock.Anything, hub.CreateRepoRequest{RepoID: "alice/Model-Q4_K_M-GGUF", ExistOK: true}).
		Return(&hub.RepoURL{URL: "https://huggingface.co/alice/Model-Q4_K_M-GGUF", RepoID: "alice/Model-Q4_K_M-GGUF"}, nil).Once()
	shards := []string{ws.Path("model-q4_k_m-00001-of-00002.gguf"), ws.Path("model-q4_k_m-00002-of-00002.gguf")}
	f.tools.On("Split", mock.Anything, ws.Path("model-q4_k_m.gguf"), 128, "", mock.Anything).Return(shards, nil).Once()

	var order []string
	f.hub.On("UploadFile", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		r := args.Get(1).(hub.UploadRequest)
		order = append(order, r.PathInRepo)
		if r.PathInRepo == "README.md" {
			data, err := os.ReadFile(r.LocalPath)
			require.NoError(t, err)
			assert.Contains(t, string(data), "--hf-file model-q4_k_m-00001-of-00002.gguf")
		}
	}).Return(&hub.CommitInfo{}, nil).Times(4)

	_, err := f.pipeline.Upload(t.Context(), "hf_token", ws.Dir(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"model-q4_k_m-00001-of-00002.gguf",
		"model-q4_k_m-00002-of-00002.gguf",
		"imatrix.dat",
		"README.md",
	}, order)
	assert.NoDirExists(t, ws.Dir())
}

func TestUploadFailureRemovesWorkspace(t *testing.T) {
	f := newFixture(t, nil)
	ws := newWorkspace(t, f.outputs, workspace.Options{RepoName: "alice/Model-Q4_K_M-GGUF"}, false)
	f.hub.On("WhoAmI", mock.Anything).Return(&hub.User{Name: "bob"}, nil)
	f.hub.On("CreateRepo", mock.Anything, hub.CreateRepoRequest{RepoID: "bob/Model-Q4_K_M-GGUF", ExistOK: true}).
		Return(&hub.RepoURL{RepoID: "bob/Model-Q4_K_M-GGUF"}, nil).Once()
	f.hub.On("UploadFile", mock.Anything, uploadOf("model-q4_k_m.gguf")).Return(nil, errors.New("connection reset")).Once()

	_, err := f.pipeline.Upload(t.Context(), "hf_token", ws.ID(), nil)
	require.EqualError(t, err, "Error uploading quantized model: connection reset")
	assert.NoDirExists(t, ws.Dir())
}

func TestUploadMissingWorkspace(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.pipeline.Upload(t.Context(), "hf_token", "gguf-missing", nil)
	require.ErrorIs(t, err, ErrWorkspaceMissing)

	_, err = f.pipeline.Upload(t.Context(), "hf_token", "/etc", nil)
	require.ErrorIs(t, err, workspace.ErrOutsideRoot)
}

func TestUploadWithoutQuantizedFile(t *testing.T) {
	f := newFixture(t, nil)
	ws, err := workspace.New(f.outputs)
	require.NoError(t, err)
	f.expectUser()

	_, err = f.pipeline.Upload(t.Context(), "hf_token", ws.ID(), nil)
	require.ErrorIs(t, err, ErrNoQuantizedFile)
	assert.NoDirExists(t, ws.Dir())
}

func TestDiscard(t *testing.T) {
	f := newFixture(t, nil)
	ws := newWorkspace(t, f.outputs, workspace.Options{}, false)

	removed, err := f.pipeline.Discard(ws.ID())
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoDirExists(t, ws.Dir())

	removed, err = f.pipeline.Discard(ws.ID())
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRun(t *testing.T) {
	f := newFixture(t, nil)
	f.expectUser()
	f.expectDownload(t, "config.json", "model.safetensors")
	f.hub.On("DownloadFile", mock.Anything, "org/Model", "README.md").Return(nil, hub.ErrNotFound).Once()
	f.expectConvert(t)
	f.expectQuantize(t, "Q8_0", "")
	f.hub.On("CreateRepo", mock.Anything, hub.CreateRepoRequest{RepoID: "alice/Model-Q8_0-GGUF", ExistOK: true}).
		Return(&hub.RepoURL{URL: "https://huggingface.co/alice/Model-Q8_0-GGUF", RepoID: "alice/Model-Q8_0-GGUF"}, nil).Once()
	f.hub.On("UploadFile", mock.Anything, uploadOf("model-q8_0.gguf")).Return(&hub.CommitInfo{}, nil).Once()
	f.hub.On("UploadFile", mock.Anything, uploadOf("README.md")).Return(&hub.CommitInfo{}, nil).Once()

	published, err := f.pipeline.Run(t.Context(), "hf_token", Request{ModelID: "org/Model", QuantMethod: "Q8_0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice/Model-Q8_0-GGUF", published.RepoID)
	assert.Empty(t, entriesIn(t, f.outputs))
}
