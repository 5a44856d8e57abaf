package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// LFSInfo describes the large-file pointer of a tree entry.
type LFSInfo struct {
	OID         string `json:"oid"`
	Size        int64  `json:"size"`
	PointerSize int64  `json:"pointerSize"`
}

// TreeEntry is a single file or directory in a repository tree.
type TreeEntry struct {
	Type string   `json:"type"`
	Path string   `json:"path"`
	Size int64    `json:"size"`
	OID  string   `json:"oid"`
	LFS  *LFSInfo `json:"lfs,omitempty"`
}

// IsFile reports whether the entry is a regular file.
func (e TreeEntry) IsFile() bool {
	return e.Type == "file"
}

// ModelSummary is a search result.
type ModelSummary struct {
	ID        string `json:"id"`
	Downloads int64  `json:"downloads"`
	Likes     int64  `json:"likes"`
	Private   bool   `json:"private"`
}

var nextLinkRE = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// ListRepoTree lists the files and directories of a model repository at the
// given revision, following pagination.
func (c *Client) ListRepoTree(ctx context.Context, repoID, revision string, recursive bool) ([]TreeEntry, error) {
	if revision == "" {
		revision = DefaultRevision
	}
	query := url.Values{}
	if recursive {
		query.Set("recursive", "true")
	}
	ref := fmt.Sprintf("/api/models/%s/tree/%s", repoID, url.PathEscape(revision))
	if len(query) > 0 {
		ref += "?" + query.Encode()
	}

	var entries []TreeEntry
	for ref != "" {
		req, err := c.newRequest(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.do(req)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", repoID, err)
		}
		var page []TreeEntry
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding tree of %s: %w", repoID, err)
		}
		entries = append(entries, page...)

		ref = ""
		if m := nextLinkRE.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
			ref = m[1]
		}
	}
	return entries, nil
}

// SearchModels returns up to limit models whose id contains query.
func (c *Client) SearchModels(ctx context.Context, query string, limit int) ([]ModelSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	values := url.Values{
		"search": {query},
		"limit":  {strconv.Itoa(limit)},
		"sort":   {"downloads"},
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/models?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var models []ModelSummary
	if err := c.doJSON(req, &models); err != nil {
		return nil, fmt.Errorf("searching models: %w", err)
	}
	return models, nil
}

// DownloadFile fetches a single file from the default revision of a model
// repository.
func (c *Client) DownloadFile(ctx context.Context, repoID, path string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.resolvePath(repoID, DefaultRevision, path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s from %s: %w", path, repoID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s from %s: %w", path, repoID, err)
	}
	return data, nil
}

// RepoURL is the result of creating a repository.
type RepoURL struct {
	URL    string `json:"url"`
	RepoID string `json:"-"`
}

func (r RepoURL) String() string {
	return r.URL
}

// CreateRepoRequest describes a model repository to create.
type CreateRepoRequest struct {
	RepoID  string
	Private bool
	ExistOK bool
}

// CreateRepo creates a model repository. When the repository already exists
// and ExistOK is set, its URL is returned instead of an error.
func (c *Client) CreateRepo(ctx context.Context, request CreateRepoRequest) (*RepoURL, error) {
	namespace, name, ok := strings.Cut(request.RepoID, "/")
	if !ok || namespace == "" || name == "" {
		return nil, fmt.Errorf("invalid repository id %q", request.RepoID)
	}
	payload, err := json.Marshal(map[string]any{
		"name":         name,
		"organization": namespace,
		"private":      request.Private,
		"type":         "model",
	})
	if err != nil {
		return nil, fmt.Errorf("encoding create request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/repos/create", strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	result := &RepoURL{RepoID: request.RepoID}
	if err := c.doJSON(req, result); err != nil {
		if request.ExistOK && errors.Is(err, ErrConflict) {
			c.log.Infof("Repository %s already exists", request.RepoID)
			return &RepoURL{URL: c.RepoURL(request.RepoID), RepoID: request.RepoID}, nil
		}
		return nil, fmt.Errorf("creating repository %s: %w", request.RepoID, err)
	}
	if result.URL == "" {
		result.URL = c.RepoURL(request.RepoID)
	}
	return result, nil
}

func (c *Client) resolvePath(repoID, revision, path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("/%s/resolve/%s/%s", repoID, url.PathEscape(revision), strings.Join(segments, "/"))
}
