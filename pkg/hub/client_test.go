package hub

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "hf_test"

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	log := logrus.New()
	log.SetOutput(io.Discard)
	client := NewClient(
		WithEndpoint(server.URL),
		WithToken(testToken),
		WithHTTPClient(server.Client()),
		WithLogger(log),
		WithBackoff(func(int) time.Duration { return 0 }),
	)
	return client, server
}

func requireToken(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, `{"error":"Invalid credentials in Authorization header"}`, http.StatusUnauthorized)
		return false
	}
	return true
}

func TestWhoAmI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/whoami-v2", func(w http.ResponseWriter, r *http.Request) {
		if !requireToken(w, r) {
			return
		}
		fmt.Fprint(w, `{"type":"user","name":"alice","fullname":"Alice"}`)
	})
	client, _ := newTestClient(t, mux)

	user, err := client.WhoAmI(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Name)
	assert.Equal(t, "user", user.Type)

	_, err = client.WithToken("hf_wrong").WhoAmI(t.Context())
	require.ErrorIs(t, err, ErrUnauthorized)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid credentials in Authorization header", apiErr.Message)

	_, err = client.WithToken("").WhoAmI(t.Context())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestListRepoTreePagination(t *testing.T) {
	var serverURL string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/models/org/model/tree/main", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("recursive"))
		if r.URL.Query().Get("cursor") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/models/org/model/tree/main?recursive=true&cursor=2>; rel="next"`, serverURL))
			fmt.Fprint(w, `[{"type":"file","path":"config.json","size":10,"oid":"a"}]`)
			return
		}
		fmt.Fprint(w, `[{"type":"file","path":"model.safetensors","size":20,"oid":"b","lfs":{"oid":"c","size":20,"pointerSize":130}}]`)
	})
	client, server := newTestClient(t, mux)
	serverURL = server.URL

	entries, err := client.ListRepoTree(t.Context(), "org/model", "", true)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "config.json", entries[0].Path)
	assert.Equal(t, "model.safetensors", entries[1].Path)
	require.NotNil(t, entries[1].LFS)
	assert.Equal(t, int64(20), entries[1].LFS.Size)
}

func TestListRepoTreeNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())
	_, err := client.ListRepoTree(t.Context(), "org/missing", "main", true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchModels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/models", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "llama", r.URL.Query().Get("search"))
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `[{"id":"meta/llama","downloads":5,"likes":2}]`)
	})
	client, _ := newTestClient(t, mux)

	models, err := client.SearchModels(t.Context(), "llama", 3)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "meta/llama", models[0].ID)
}

// flakyFiles serves repository files, aborting the first response for each
// path halfway through.
type flakyFiles struct {
	lock     sync.Mutex
	files    map[string][]byte
	requests map[string][]string
}

func (f *flakyFiles) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/org/model/resolve/main/")
	content, ok := f.files[path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	f.lock.Lock()
	f.requests[path] = append(f.requests[path], r.Header.Get("Range"))
	first := len(f.requests[path]) == 1
	f.lock.Unlock()

	w.Header().Set("Accept-Ranges", "bytes")
	if rng := r.Header.Get("Range"); rng != "" {
		start, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		if err != nil || start >= len(content) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
		w.Header().Set("Content-Length", strconv.Itoa(len(content)-start))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start:])
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	if first && len(content) > 1 {
		_, _ = w.Write(content[:len(content)/2])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}
	_, _ = w.Write(content)
}

func TestSnapshotDownloadResumes(t *testing.T) {
	files := map[string][]byte{
		"config.json":           []byte(`{"architectures":["LlamaForCausalLM"]}`),
		"model.safetensors":     []byte(strings.Repeat("weights", 100)),
		"nested/tokenizer.json": []byte(`{"version":"1.0"}`),
		"pytorch_model.bin":     []byte("unused"),
	}
	handler := &flakyFiles{files: files, requests: map[string][]string{}}

	var entries []TreeEntry
	for path, content := range files {
		entries = append(entries, TreeEntry{Type: "file", Path: path, Size: int64(len(content))})
	}
	mux := http.NewServeMux()
	mux.Handle("/org/model/resolve/", handler)
	mux.HandleFunc("GET /api/models/org/model/tree/main", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(entries)
	})
	client, _ := newTestClient(t, mux)

	dir := t.TempDir()
	var progressCalls int
	paths, err := client.SnapshotDownload(t.Context(), DownloadRequest{
		RepoID:        "org/model",
		LocalDir:      dir,
		AllowPatterns: []string{"*.md", "*.json", "*.model", "*.safetensors"},
	}, func(string, int64, int, int) { progressCalls++ })
	require.NoError(t, err)
	assert.Len(t, paths, 3)
	assert.Equal(t, 3, progressCalls)

	for path, content := range files {
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path)))
		if path == "pytorch_model.bin" {
			require.ErrorIs(t, err, os.ErrNotExist)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, content, got, path)
		_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(path)) + incompleteSuffix)
		require.ErrorIs(t, err, os.ErrNotExist)
	}
	handler.lock.Lock()
	defer handler.lock.Unlock()
	weights := handler.requests["model.safetensors"]
	require.Len(t, weights, 2)
	assert.Empty(t, weights[0])
	assert.Equal(t, fmt.Sprintf("bytes=%d-", len(files["model.safetensors"])/2), weights[1])
}

func TestSnapshotDownloadDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/org/model/resolve/", func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "gated", http.StatusForbidden)
	})
	client, _ := newTestClient(t, mux)

	_, err := client.SnapshotDownload(t.Context(), DownloadRequest{
		RepoID:   "org/model",
		LocalDir: t.TempDir(),
		Entries:  []TreeEntry{{Type: "file", Path: "config.json", Size: 2}},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSnapshotDownloadUnsizedFileFailsAfterRetries(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/org/model/resolve/", func(w http.ResponseWriter, r *http.Request) {
		calls++
		// The connection drops after the first bytes.
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte(`{"archi`))
	})
	client, _ := newTestClient(t, mux)

	dir := t.TempDir()
	_, err := client.SnapshotDownload(t.Context(), DownloadRequest{
		RepoID:   "org/model",
		LocalDir: dir,
		Entries:  []TreeEntry{{Type: "file", Path: "config.json"}},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, defaultMaxRetries+1, calls)
	_, err = os.Stat(filepath.Join(dir, "config.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSnapshotDownloadRejectsEscapingPaths(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())
	_, err := client.SnapshotDownload(t.Context(), DownloadRequest{
		RepoID:   "org/model",
		LocalDir: t.TempDir(),
		Entries:  []TreeEntry{{Type: "file", Path: "../evil.json", Size: 2}},
	}, nil)
	require.ErrorContains(t, err, "outside of")
}

func TestDownloadFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /org/model/resolve/main/README.md", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "# Model")
	})
	client, _ := newTestClient(t, mux)

	data, err := client.DownloadFile(t.Context(), "org/model", "README.md")
	require.NoError(t, err)
	assert.Equal(t, "# Model", string(data))

	_, err = client.DownloadFile(t.Context(), "org/other", "README.md")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRepo(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		existOK bool
		wantErr bool
	}{
		{name: "created", status: http.StatusOK},
		{name: "exists ok", status: http.StatusConflict, existOK: true},
		{name: "exists", status: http.StatusConflict, wantErr: true},
		{name: "forbidden", status: http.StatusForbidden, existOK: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/repos/create", func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "alice", body["organization"])
				assert.Equal(t, "model-Q4_K_M-GGUF", body["name"])
				assert.Equal(t, true, body["private"])
				if tt.status != http.StatusOK {
					http.Error(w, `{"error":"You already created this model repo"}`, tt.status)
					return
				}
				fmt.Fprint(w, `{"url":"https://hub.test/alice/model-Q4_K_M-GGUF"}`)
			})
			client, server := newTestClient(t, mux)

			url, err := client.CreateRepo(t.Context(), CreateRepoRequest{
				RepoID:  "alice/model-Q4_K_M-GGUF",
				Private: true,
				ExistOK: tt.existOK,
			})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice/model-Q4_K_M-GGUF", url.RepoID)
			if tt.status == http.StatusConflict {
				assert.Equal(t, server.URL+"/alice/model-Q4_K_M-GGUF", url.URL)
			} else {
				assert.Equal(t, "https://hub.test/alice/model-Q4_K_M-GGUF", url.URL)
			}
		})
	}
}

func TestCreateRepoRejectsInvalidID(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())
	_, err := client.CreateRepo(t.Context(), CreateRepoRequest{RepoID: "no-namespace"})
	require.Error(t, err)
}

// fakeUploadHub records uploads made through the preupload, LFS and commit
// endpoints.
type fakeUploadHub struct {
	t          *testing.T
	mode       string
	transfer   string
	chunkSize  int
	serverURL  string
	lock       sync.Mutex
	stored     []byte
	parts      map[int][]byte
	verified   bool
	completed  bool
	commitBody []map[string]any
}

func (f *fakeUploadHub) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/models/alice/repo/preupload/main", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Files []struct {
				Path   string `json:"path"`
				Sample string `json:"sample"`
				Size   int64  `json:"size"`
			} `json:"files"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(f.t, body.Files, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"files": []map[string]any{{"path": body.Files[0].Path, "uploadMode": f.mode}},
		})
	})
	mux.HandleFunc("POST /alice/repo.git/info/lfs/objects/batch", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, lfsMediaType, r.Header.Get("Accept"))
		var body struct {
			Objects []struct {
				OID  string `json:"oid"`
				Size int64  `json:"size"`
			} `json:"objects"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		object := body.Objects[0]
		actions := map[string]any{
			"verify": map[string]any{"href": f.serverURL + "/lfs/verify"},
		}
		if f.transfer == "multipart" {
			header := map[string]string{"chunk_size": strconv.Itoa(f.chunkSize)}
			n := (int(object.Size) + f.chunkSize - 1) / f.chunkSize
			for i := 1; i <= n; i++ {
				header[fmt.Sprintf("%05d", i)] = fmt.Sprintf("%s/storage/part/%d", f.serverURL, i)
			}
			actions["upload"] = map[string]any{"href": f.serverURL + "/lfs/complete", "header": header}
		} else {
			actions["upload"] = map[string]any{"href": f.serverURL + "/storage/object"}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transfer": f.transfer,
			"objects":  []map[string]any{{"oid": object.OID, "size": object.Size, "actions": actions}},
		})
	})
	mux.HandleFunc("PUT /storage/object", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(f.t, r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		f.lock.Lock()
		f.stored = data
		f.lock.Unlock()
	})
	mux.HandleFunc("PUT /storage/part/{n}", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.PathValue("n"))
		data, _ := io.ReadAll(r.Body)
		f.lock.Lock()
		f.parts[n] = data
		f.lock.Unlock()
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, n))
	})
	mux.HandleFunc("POST /lfs/complete", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Parts []struct {
				PartNumber int    `json:"partNumber"`
				ETag       string `json:"etag"`
			} `json:"parts"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		for i, p := range body.Parts {
			assert.Equal(f.t, i+1, p.PartNumber)
			assert.Equal(f.t, fmt.Sprintf(`"etag-%d"`, i+1), p.ETag)
		}
		f.completed = true
	})
	mux.HandleFunc("POST /lfs/verify", func(w http.ResponseWriter, r *http.Request) {
		f.verified = true
	})
	mux.HandleFunc("POST /api/models/alice/repo/commit/main", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "application/x-ndjson", r.Header.Get("Content-Type"))
		scanner := bufio.NewScanner(r.Body)
		for scanner.Scan() {
			var line map[string]any
			require.NoError(f.t, json.Unmarshal(scanner.Bytes(), &line))
			f.commitBody = append(f.commitBody, line)
		}
		fmt.Fprint(w, `{"commitUrl":"https://hub.test/alice/repo/commit/abc","commitOid":"abc"}`)
	})
	return mux
}

func writeUploadFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model-q4_k_m.gguf")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestUploadFileRegular(t *testing.T) {
	hub := &fakeUploadHub{t: t, mode: uploadModeRegular}
	client, _ := newTestClient(t, hub.routes())

	content := []byte("---\ntags: [gguf]\n---\n# Card\n")
	info, err := client.UploadFile(t.Context(), UploadRequest{
		RepoID:     "alice/repo",
		LocalPath:  writeUploadFile(t, content),
		PathInRepo: "README.md",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", info.CommitOID)

	require.Len(t, hub.commitBody, 2)
	assert.Equal(t, "header", hub.commitBody[0]["key"])
	assert.Equal(t, "file", hub.commitBody[1]["key"])
	value := hub.commitBody[1]["value"].(map[string]any)
	assert.Equal(t, "README.md", value["path"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(content), value["content"])
}

func TestUploadFileLFS(t *testing.T) {
	content := []byte(strings.Repeat("GGUF", 1000))
	sum := sha256.Sum256(content)
	oid := hex.EncodeToString(sum[:])

	tests := []struct {
		name     string
		transfer string
	}{
		{name: "basic", transfer: "basic"},
		{name: "multipart", transfer: "multipart"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := &fakeUploadHub{t: t, mode: uploadModeLFS, transfer: tt.transfer, chunkSize: 1500, parts: map[int][]byte{}}
			client, server := newTestClient(t, hub.routes())
			hub.serverURL = server.URL

			_, err := client.UploadFile(context.Background(), UploadRequest{
				RepoID:    "alice/repo",
				LocalPath: writeUploadFile(t, content),
			})
			require.NoError(t, err)
			assert.True(t, hub.verified)

			if tt.transfer == "multipart" {
				assert.True(t, hub.completed)
				require.Len(t, hub.parts, 3)
				var joined []byte
				for i := 1; i <= 3; i++ {
					joined = append(joined, hub.parts[i]...)
				}
				assert.Equal(t, content, joined)
			} else {
				assert.Equal(t, content, hub.stored)
			}

			require.Len(t, hub.commitBody, 2)
			assert.Equal(t, "lfsFile", hub.commitBody[1]["key"])
			value := hub.commitBody[1]["value"].(map[string]any)
			assert.Equal(t, "model-q4_k_m.gguf", value["path"])
			assert.Equal(t, oid, value["oid"])
			assert.EqualValues(t, len(content), value["size"])
		})
	}
}

func TestRestartSpace(t *testing.T) {
	var factory string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/spaces/ggml-org/gguf-my-repo/restart", func(w http.ResponseWriter, r *http.Request) {
		if !requireToken(w, r) {
			return
		}
		factory = r.URL.Query().Get("factory")
	})
	client, _ := newTestClient(t, mux)

	require.NoError(t, client.RestartSpace(t.Context(), "ggml-org/gguf-my-repo", true))
	assert.Equal(t, "true", factory)
	require.ErrorIs(t, client.WithToken("bad").RestartSpace(t.Context(), "ggml-org/gguf-my-repo", true), ErrUnauthorized)
}
