package hub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/docker/go-units"
)

const (
	uploadModeLFS     = "lfs"
	uploadModeRegular = "regular"
	// sampleSize is the number of leading bytes sent to the preupload
	// endpoint so that the Hub can classify the file.
	sampleSize   = 512
	lfsMediaType = "application/vnd.git-lfs+json"
)

// UploadRequest describes a single file upload.
type UploadRequest struct {
	RepoID        string
	LocalPath     string
	PathInRepo    string
	CommitMessage string
	Revision      string
}

// CommitInfo is the result of a commit.
type CommitInfo struct {
	CommitURL string `json:"commitUrl"`
	CommitOID string `json:"commitOid"`
}

// uploadFileInfo is the local view of a file that is about to be uploaded.
type uploadFileInfo struct {
	size   int64
	sha256 string
	sample []byte
}

// UploadFile uploads a local file to a model repository in its own commit.
// Large files go through Git LFS; small ones are inlined into the commit.
func (c *Client) UploadFile(ctx context.Context, request UploadRequest) (*CommitInfo, error) {
	if request.Revision == "" {
		request.Revision = DefaultRevision
	}
	if request.PathInRepo == "" {
		request.PathInRepo = filepath.Base(request.LocalPath)
	}
	if request.CommitMessage == "" {
		request.CommitMessage = "Upload " + request.PathInRepo
	}

	info, err := inspectUpload(request.LocalPath)
	if err != nil {
		return nil, err
	}
	c.log.Infof("Uploading %s (%s) to %s/%s", request.LocalPath, units.HumanSize(float64(info.size)), request.RepoID, request.PathInRepo)

	mode, err := c.preupload(ctx, request, info)
	if err != nil {
		return nil, err
	}

	var operation commitLine
	if mode == uploadModeLFS {
		if err := c.uploadLFS(ctx, request, info); err != nil {
			return nil, err
		}
		operation = commitLine{Key: "lfsFile", Value: map[string]any{
			"path": request.PathInRepo,
			"algo": "sha256",
			"oid":  info.sha256,
			"size": info.size,
		}}
	} else {
		content, err := os.ReadFile(request.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", request.LocalPath, err)
		}
		operation = commitLine{Key: "file", Value: map[string]any{
			"path":     request.PathInRepo,
			"content":  base64.StdEncoding.EncodeToString(content),
			"encoding": "base64",
		}}
	}
	return c.commit(ctx, request, operation)
}

func inspectUpload(path string) (*uploadFileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	sample := make([]byte, sampleSize)
	n, err := io.ReadFull(f, sample)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	sample = sample[:n]
	hash.Write(sample)
	rest, err := io.Copy(hash, f)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	return &uploadFileInfo{
		size:   int64(n) + rest,
		sha256: hex.EncodeToString(hash.Sum(nil)),
		sample: sample,
	}, nil
}

// preupload asks the Hub whether the file must be stored with LFS.
func (c *Client) preupload(ctx context.Context, request UploadRequest, info *uploadFileInfo) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"files": []map[string]any{{
			"path":   request.PathInRepo,
			"sample": base64.StdEncoding.EncodeToString(info.sample),
			"size":   info.size,
		}},
	})
	if err != nil {
		return "", fmt.Errorf("encoding preupload request: %w", err)
	}
	ref := fmt.Sprintf("/api/models/%s/preupload/%s", request.RepoID, request.Revision)
	req, err := c.newRequest(ctx, http.MethodPost, ref, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var response struct {
		Files []struct {
			Path       string `json:"path"`
			UploadMode string `json:"uploadMode"`
		} `json:"files"`
	}
	if err := c.doJSON(req, &response); err != nil {
		return "", fmt.Errorf("preupload of %s: %w", request.PathInRepo, err)
	}
	for _, f := range response.Files {
		if f.Path == request.PathInRepo {
			return f.UploadMode, nil
		}
	}
	return uploadModeRegular, nil
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsObject struct {
	OID     string               `json:"oid"`
	Size    int64                `json:"size"`
	Actions map[string]lfsAction `json:"actions"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// uploadLFS negotiates an LFS transfer and uploads the object unless the
// Hub already has it.
func (c *Client) uploadLFS(ctx context.Context, request UploadRequest, info *uploadFileInfo) error {
	payload, err := json.Marshal(map[string]any{
		"operation": "upload",
		"transfers": []string{"basic", "multipart"},
		"objects":   []map[string]any{{"oid": info.sha256, "size": info.size}},
		"hash_algo": "sha256",
		"ref":       map[string]string{"name": request.Revision},
	})
	if err != nil {
		return fmt.Errorf("encoding LFS batch request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/%s.git/info/lfs/objects/batch", request.RepoID), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", lfsMediaType)
	req.Header.Set("Content-Type", lfsMediaType)

	var batch struct {
		Transfer string      `json:"transfer"`
		Objects  []lfsObject `json:"objects"`
	}
	if err := c.doJSON(req, &batch); err != nil {
		return fmt.Errorf("LFS batch for %s: %w", request.PathInRepo, err)
	}
	if len(batch.Objects) != 1 {
		return fmt.Errorf("LFS batch for %s returned %d objects", request.PathInRepo, len(batch.Objects))
	}
	object := batch.Objects[0]
	if object.Error != nil {
		return fmt.Errorf("LFS batch for %s: %d %s", request.PathInRepo, object.Error.Code, object.Error.Message)
	}
	upload, ok := object.Actions["upload"]
	if !ok {
		c.log.Infof("LFS object for %s already present", request.PathInRepo)
		return nil
	}

	if batch.Transfer == "multipart" {
		err = c.uploadMultipart(ctx, request.LocalPath, info, upload)
	} else {
		err = c.uploadBasic(ctx, request.LocalPath, info, upload)
	}
	if err != nil {
		return fmt.Errorf("uploading LFS object for %s: %w", request.PathInRepo, err)
	}

	if verify, ok := object.Actions["verify"]; ok {
		body, _ := json.Marshal(map[string]any{"oid": info.sha256, "size": info.size})
		req, err := c.newRequest(ctx, http.MethodPost, verify.Href, bytes.NewReader(body))
		if err != nil {
			return err
		}
		for k, v := range verify.Header {
			req.Header.Set(k, v)
		}
		req.Header.Set("Content-Type", lfsMediaType)
		if err := c.doJSON(req, nil); err != nil {
			return fmt.Errorf("verifying LFS object for %s: %w", request.PathInRepo, err)
		}
	}
	return nil
}

// storageRequest builds a request to an LFS storage URL. Storage URLs are
// presigned, so the Hub token is not attached.
func storageRequest(ctx context.Context, method, href string, body io.Reader, size int64) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, href, body)
	if err != nil {
		return nil, fmt.Errorf("creating storage request: %w", err)
	}
	req.ContentLength = size
	return req, nil
}

func (c *Client) uploadBasic(ctx context.Context, path string, info *uploadFileInfo, action lfsAction) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	req, err := storageRequest(ctx, http.MethodPut, action.Href, f, info.size)
	if err != nil {
		return err
	}
	for k, v := range action.Header {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	return nil
}

// uploadMultipart uploads chunk_size pieces to the numbered part URLs in the
// action header, then posts the collected ETags to the completion URL.
func (c *Client) uploadMultipart(ctx context.Context, path string, info *uploadFileInfo, action lfsAction) error {
	chunkSize, err := strconv.ParseInt(action.Header["chunk_size"], 10, 64)
	if err != nil || chunkSize <= 0 {
		return fmt.Errorf("invalid multipart chunk size %q", action.Header["chunk_size"])
	}
	type part struct {
		number int
		href   string
	}
	var parts []part
	for k, v := range action.Header {
		if n, err := strconv.Atoi(k); err == nil {
			parts = append(parts, part{number: n, href: v})
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].number < parts[j].number })
	if want := (info.size + chunkSize - 1) / chunkSize; int64(len(parts)) != want {
		return fmt.Errorf("multipart upload expects %d parts, got %d", want, len(parts))
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	type completedPart struct {
		PartNumber int    `json:"partNumber"`
		ETag       string `json:"etag"`
	}
	completed := make([]completedPart, 0, len(parts))
	for i, p := range parts {
		offset := int64(i) * chunkSize
		length := min(chunkSize, info.size-offset)
		req, err := storageRequest(ctx, http.MethodPut, p.href, io.NewSectionReader(f, offset, length), length)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("uploading part %d: %w", p.number, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("uploading part %d: %w", p.number, &APIError{StatusCode: resp.StatusCode})
		}
		etag := resp.Header.Get("ETag")
		if etag == "" {
			return fmt.Errorf("uploading part %d: storage returned no ETag", p.number)
		}
		completed = append(completed, completedPart{PartNumber: p.number, ETag: etag})
		c.log.Debugf("Uploaded part %d/%d", i+1, len(parts))
	}

	body, err := json.Marshal(map[string]any{"oid": info.sha256, "parts": completed})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, action.Href, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("completing multipart upload: %w", err)
	}
	return nil
}

type commitLine struct {
	Key   string         `json:"key"`
	Value map[string]any `json:"value"`
}

// commit creates a commit holding a single operation.
func (c *Client) commit(ctx context.Context, request UploadRequest, operation commitLine) (*CommitInfo, error) {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, line := range []commitLine{
		{Key: "header", Value: map[string]any{"summary": request.CommitMessage, "description": ""}},
		operation,
	} {
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encoding commit: %w", err)
		}
	}
	ref := fmt.Sprintf("/api/models/%s/commit/%s", request.RepoID, request.Revision)
	req, err := c.newRequest(ctx, http.MethodPost, ref, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	var info CommitInfo
	if err := c.doJSON(req, &info); err != nil {
		return nil, fmt.Errorf("committing %s: %w", request.PathInRepo, err)
	}
	return &info, nil
}
