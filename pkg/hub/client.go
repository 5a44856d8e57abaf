// Package hub is a client for the parts of the Hugging Face Hub HTTP API that
// the quantization pipeline needs: identity, repository listing, downloads,
// repository creation, uploads and Space restarts.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/gguf-my-repo/pkg/logging"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultEndpoint is the public Hugging Face Hub.
	DefaultEndpoint = "https://huggingface.co"
	// DefaultRevision is the branch used for reads and commits.
	DefaultRevision = "main"
	// defaultDownloadConcurrency is the number of files fetched in parallel
	// by SnapshotDownload.
	defaultDownloadConcurrency = 4
	// defaultMaxRetries bounds resume attempts per downloaded file.
	defaultMaxRetries = 5
)

var (
	// ErrUnauthorized is returned when the token is missing or rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned when a repository or file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a resource already exists.
	ErrConflict = errors.New("conflict")
)

// APIError describes a non-successful response from the Hub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("hub returned %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package's sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// temporary reports whether a request that failed this way may succeed when
// retried.
func (e *APIError) temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// BackoffFunc computes the sleep duration for a given retry attempt (0-based).
type BackoffFunc func(attempt int) time.Duration

// Client talks to a Hub endpoint on behalf of a single token.
type Client struct {
	endpoint            string
	token               string
	userAgent           string
	httpClient          *http.Client
	log                 logging.Logger
	downloadConcurrency int
	maxRetries          int
	backoff             BackoffFunc
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the Hub base URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) { c.userAgent = userAgent }
}

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithDownloadConcurrency sets how many files SnapshotDownload fetches at
// once.
func WithDownloadConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.downloadConcurrency = n
		}
	}
}

// WithMaxRetries sets the number of resume attempts per file.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the retry backoff strategy.
// Default: jittered exponential starting at 200ms, capped at 5s.
func WithBackoff(f BackoffFunc) Option {
	return func(c *Client) { c.backoff = f }
}

// NewClient creates a Hub client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		endpoint:            DefaultEndpoint,
		userAgent:           "gguf-my-repo",
		httpClient:          http.DefaultClient,
		log:                 logrus.New(),
		downloadConcurrency: defaultDownloadConcurrency,
		maxRetries:          defaultMaxRetries,
		backoff:             defaultBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithToken returns a copy of c that authenticates with token. The copy
// shares the HTTP client.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

// Endpoint returns the Hub base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// RepoURL returns the browser URL of a model repository.
func (c *Client) RepoURL(repoID string) string {
	return c.endpoint + "/" + repoID
}

// newRequest builds an authenticated request against the Hub. ref may be an
// absolute URL or a path relative to the endpoint.
func (c *Client) newRequest(ctx context.Context, method, ref string, body io.Reader) (*http.Request, error) {
	target := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		target = c.endpoint + ref
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// do sends req and converts unsuccessful responses into *APIError. The
// caller owns the body of the returned response.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, newAPIError(resp)
}

// doJSON sends req and decodes a JSON response into out (which may be nil).
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}

func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if msg := resp.Header.Get("X-Error-Message"); msg != "" {
		apiErr.Message = msg
		return apiErr
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// User is the identity behind a token.
type User struct {
	Name     string `json:"name"`
	Fullname string `json:"fullname"`
	Type     string `json:"type"`
	Email    string `json:"email,omitempty"`
}

// WhoAmI validates the client's token and returns its owner.
func (c *Client) WhoAmI(ctx context.Context) (*User, error) {
	if c.token == "" {
		return nil, ErrUnauthorized
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/whoami-v2", nil)
	if err != nil {
		return nil, err
	}
	var user User
	if err := c.doJSON(req, &user); err != nil {
		return nil, fmt.Errorf("whoami: %w", err)
	}
	if user.Name == "" {
		return nil, fmt.Errorf("whoami: %w", ErrUnauthorized)
	}
	return &user, nil
}

// RestartSpace restarts a Space, optionally rebuilding it from scratch.
func (c *Client) RestartSpace(ctx context.Context, spaceID string, factoryReboot bool) error {
	ref := "/api/spaces/" + spaceID + "/restart"
	if factoryReboot {
		ref += "?" + url.Values{"factory": {"true"}}.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodPost, ref, nil)
	if err != nil {
		return err
	}
	if err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("restarting space %s: %w", spaceID, err)
	}
	return nil
}
