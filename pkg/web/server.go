// Package web serves the browser UI: the request form, job pages with live
// logs, artifact downloads and the review actions.
package web

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/docker/gguf-my-repo/pkg/config"
	"github.com/docker/gguf-my-repo/pkg/hub"
	"github.com/docker/gguf-my-repo/pkg/jobs"
	"github.com/docker/gguf-my-repo/pkg/logging"
	"github.com/docker/gguf-my-repo/pkg/middleware"
	"github.com/docker/gguf-my-repo/pkg/pipeline"
	"github.com/docker/gguf-my-repo/pkg/routing"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	// DefaultSubmitInterval is how often a user may submit a request once
	// the burst is spent.
	DefaultSubmitInterval = time.Minute
	// DefaultSubmitBurst is how many requests a user may submit at once.
	DefaultSubmitBurst = 3

	searchLimit    = 10
	maxFormMemory  = 32 << 20
	oauthCookieAge = 10 * 60
)

// Pipeline runs the quantization flows. It is implemented by
// *pipeline.Pipeline.
type Pipeline interface {
	Quantize(ctx context.Context, token string, req pipeline.Request, out io.Writer) (*pipeline.Result, error)
	Upload(ctx context.Context, token, dir string, out io.Writer) (*pipeline.Published, error)
	Discard(dir string) (bool, error)
	Run(ctx context.Context, token string, req pipeline.Request, out io.Writer) (*pipeline.Published, error)
}

// Hub is the registry API used for login and model search. It is
// implemented by *hub.Client.
type Hub interface {
	WhoAmI(ctx context.Context) (*hub.User, error)
	SearchModels(ctx context.Context, query string, limit int) ([]hub.ModelSummary, error)
}

// HubFunc returns a Hub acting with the given access token.
type HubFunc func(token string) Hub

// Options configures a Server.
type Options struct {
	Pipeline Pipeline
	Jobs     *jobs.Manager
	Hubs     HubFunc
	// HubToken is used to search models for visitors that are not logged in.
	HubToken    string
	HubEndpoint string
	UploadMode  config.UploadMode
	OAuth       config.OAuth
	// UploadsDir receives calibration files uploaded with a request.
	UploadsDir string
	Origins    []string
	// SubmitInterval and SubmitBurst bound how often one user may submit.
	SubmitInterval time.Duration
	SubmitBurst    int
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
	// Middleware, when set, wraps the router inside the CORS handler.
	Middleware func(http.Handler) http.Handler
}

// followUp records what happened to the files of a review-mode job.
type followUp struct {
	// pending is set while an action is being started.
	pending bool
	// UploadJob is the job publishing the files.
	UploadJob string
	// Deleted and NoFiles are set once the files were discarded.
	Deleted bool
	NoFiles bool
}

// Server is the web UI.
type Server struct {
	log       logging.Logger
	opts      Options
	sessions  *sessionStore
	limits    *limiterSet
	templates *template.Template
	upgrader  websocket.Upgrader

	// mu guards followUps.
	mu        sync.Mutex
	followUps map[string]followUp
}

// New creates a Server.
func New(log logging.Logger, opts Options) (*Server, error) {
	if opts.UploadMode == "" {
		opts.UploadMode = config.UploadModeReview
	}
	if opts.SubmitInterval == 0 {
		opts.SubmitInterval = DefaultSubmitInterval
	}
	if opts.SubmitBurst == 0 {
		opts.SubmitBurst = DefaultSubmitBurst
	}
	templates, err := template.New("").Funcs(template.FuncMap{
		"humanSize": func(size int64) string { return units.HumanSize(float64(size)) },
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:       log,
		opts:      opts,
		sessions:  newSessionStore(),
		limits:    newLimiterSet(opts.SubmitInterval, opts.SubmitBurst),
		templates: templates,
		followUps: make(map[string]followUp),
	}
	if opts.Jobs != nil {
		opts.Jobs.OnExpire(s.jobExpired)
	}
	return s, nil
}

func (s *Server) routes() []routing.Route {
	routes := []routing.Route{
		{Pattern: "GET /{$}", Handler: s.handleIndex},
		{Pattern: "POST /quantize", Handler: s.handleQuantize},
		{Pattern: "GET /jobs/{id}", Handler: s.handleJob},
		{Pattern: "GET /jobs/{id}/ws", Handler: s.handleJobStream},
		{Pattern: "GET /jobs/{id}/files/{name}", Handler: s.handleFile},
		{Pattern: "POST /jobs/{id}/upload", Handler: s.handleUpload},
		{Pattern: "POST /jobs/{id}/delete", Handler: s.handleDelete},
		{Pattern: "POST /jobs/{id}/cancel", Handler: s.handleCancel},
		{Pattern: "GET /api/search", Handler: s.handleSearch},
		{Pattern: "GET /api/jobs/{id}", Handler: s.handleJobAPI},
		{Pattern: "GET /login", Handler: s.handleLogin},
		{Pattern: "POST /login/token", Handler: s.handleTokenLogin},
		{Pattern: "GET /login/callback", Handler: s.handleOAuthCallback},
		{Pattern: "POST /logout", Handler: s.handleLogout},
		{Pattern: "GET /healthz", Handler: s.handleHealthz},
	}
	if s.opts.Metrics != nil {
		routes = append(routes, routing.Route{Pattern: "GET /metrics", Handler: s.opts.Metrics.ServeHTTP})
	}
	return routes
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	router := routing.NewNormalizedServeMux()
	router.HandleRoutes(s.routes())

	var handler http.Handler = router
	if s.opts.Middleware != nil {
		handler = s.opts.Middleware(handler)
	}
	return middleware.CorsMiddleware(s.opts.Origins, handler)
}

// oauthConfig returns the OAuth client configuration for a request, or nil
// when OAuth login is disabled.
func (s *Server) oauthConfig(r *http.Request) *oauth2.Config {
	if !s.opts.OAuth.Enabled() {
		return nil
	}
	redirect := s.opts.OAuth.RedirectURL
	if redirect == "" {
		scheme := "http"
		if isSecure(r) {
			scheme = "https"
		}
		redirect = scheme + "://" + r.Host + "/login/callback"
	}
	return &oauth2.Config{
		ClientID:     s.opts.OAuth.ClientID,
		ClientSecret: s.opts.OAuth.ClientSecret,
		RedirectURL:  redirect,
		Scopes:       s.opts.OAuth.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  s.opts.HubEndpoint + "/oauth/authorize",
			TokenURL: s.opts.HubEndpoint + "/oauth/token",
		},
	}
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.log.Errorf("Error rendering %s: %v", name, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		s.log.Debugf("Error writing %s: %v", name, err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnln("Error while encoding response:", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}
