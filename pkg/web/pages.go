package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/docker/gguf-my-repo/pkg/config"
	"github.com/docker/gguf-my-repo/internal/utils"
	"github.com/docker/gguf-my-repo/pkg/jobs"
	"github.com/docker/gguf-my-repo/pkg/llamacpp"
	"github.com/docker/gguf-my-repo/pkg/pipeline"
)

var errTooManyRequests = errors.New("Too many requests. Please wait a moment before submitting another model.")

// form holds the values of the request form as submitted.
type form struct {
	ModelID            string
	QuantMethod        string
	UseImatrix         bool
	ImatrixQuantMethod string
	Private            bool
	Split              bool
	SplitMaxTensors    int
	SplitMaxSize       string
}

func defaultForm() form {
	return form{
		QuantMethod:        llamacpp.DefaultQuantMethod,
		ImatrixQuantMethod: llamacpp.DefaultImatrixQuantMethod,
		SplitMaxTensors:    llamacpp.DefaultSplitMaxTensors,
	}
}

func formFromRequest(r *http.Request) form {
	f := defaultForm()
	f.ModelID = strings.TrimSpace(r.FormValue("model_id"))
	if v := r.FormValue("quant_method"); v != "" {
		f.QuantMethod = v
	}
	if v := r.FormValue("imatrix_quant_method"); v != "" {
		f.ImatrixQuantMethod = v
	}
	f.UseImatrix = checked(r.FormValue("use_imatrix"))
	f.Private = checked(r.FormValue("private_repo"))
	f.Split = checked(r.FormValue("split_model"))
	if n, err := strconv.Atoi(r.FormValue("split_max_tensors")); err == nil {
		f.SplitMaxTensors = n
	}
	f.SplitMaxSize = strings.TrimSpace(r.FormValue("split_max_size"))
	return f
}

func checked(v string) bool {
	return v == "on" || v == "true" || v == "1"
}

func (f form) request() pipeline.Request {
	return pipeline.Request{
		ModelID:            f.ModelID,
		QuantMethod:        f.QuantMethod,
		UseImatrix:         f.UseImatrix,
		ImatrixQuantMethod: f.ImatrixQuantMethod,
		Private:            f.Private,
		Split:              f.Split,
		SplitMaxTensors:    f.SplitMaxTensors,
		SplitMaxSize:       f.SplitMaxSize,
	}
}

type indexView struct {
	Session             *Session
	OAuth               bool
	Review              bool
	Form                form
	QuantMethods        []string
	ImatrixQuantMethods []string
	ShowSplitTensors    bool
	ShowSplitSize       bool
	Imatrix             ImatrixVisibility
	ImatrixOn           ImatrixVisibility
	ImatrixOff          ImatrixVisibility
	Error               template.HTML
	Jobs                []jobs.Info
}

func (s *Server) renderIndex(w http.ResponseWriter, r *http.Request, status int, f *form, errMsg template.HTML) {
	view := indexView{
		OAuth:               s.opts.OAuth.Enabled(),
		Review:              s.opts.UploadMode == config.UploadModeReview,
		Form:                defaultForm(),
		QuantMethods:        llamacpp.QuantMethods,
		ImatrixQuantMethods: llamacpp.ImatrixQuantMethods,
		ImatrixOn:           ImatrixVisibilityFor(true),
		ImatrixOff:          ImatrixVisibilityFor(false),
		Error:               errMsg,
	}
	if f != nil {
		view.Form = *f
	}
	view.ShowSplitTensors, view.ShowSplitSize = SplitVisibility(view.Form.Split)
	view.Imatrix = ImatrixVisibilityFor(view.Form.UseImatrix)
	if session, ok := s.sessions.fromRequest(r); ok {
		view.Session = session
		for _, info := range s.opts.Jobs.List() {
			if info.Owner == session.User.Name {
				view.Jobs = append(view.Jobs, info)
			}
		}
	}
	s.render(w, status, "index.html", view)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderIndex(w, r, http.StatusOK, nil, "")
}

// handleQuantize queues a conversion request from the form.
func (s *Server) handleQuantize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	f := formFromRequest(r)

	session, ok := s.sessions.fromRequest(r)
	if !ok {
		s.renderIndex(w, r, http.StatusUnauthorized, &f, ErrorMessage(pipeline.ErrNotLoggedIn))
		return
	}
	req := f.request()
	if err := req.Validate(); err != nil {
		s.renderIndex(w, r, http.StatusBadRequest, &f, ErrorMessage(err))
		return
	}
	if !s.limits.allow(session.User.Name) {
		s.renderIndex(w, r, http.StatusTooManyRequests, &f, ErrorMessage(errTooManyRequests))
		return
	}

	if req.UseImatrix {
		path, err := s.saveTrainingData(r)
		if err != nil {
			s.log.Errorf("Error saving calibration file: %v", err)
			s.renderIndex(w, r, http.StatusInternalServerError, &f, ErrorMessage(err))
			return
		}
		req.TrainDataPath = path
	}
	cleanup := func() {
		if req.TrainDataPath != "" {
			_ = os.Remove(req.TrainDataPath)
		}
	}

	kind := jobs.KindQuantize
	if s.opts.UploadMode == config.UploadModeDirect {
		kind = jobs.KindRun
	}
	token := session.Token
	job, err := s.opts.Jobs.Submit(kind, session.User.Name, func(ctx context.Context, job *jobs.Job) (any, error) {
		defer cleanup()
		if kind == jobs.KindRun {
			return s.opts.Pipeline.Run(ctx, token, req, job)
		}
		return s.opts.Pipeline.Quantize(ctx, token, req, job)
	})
	if err != nil {
		cleanup()
		s.renderIndex(w, r, http.StatusServiceUnavailable, &f, ErrorMessage(err))
		return
	}
	s.log.Infof("Queued %s job %s for %s (%s, %s)", kind, job.ID,
		utils.SanitizeForLog(session.User.Name), utils.SanitizeForLog(req.ModelID), req.Method())
	http.Redirect(w, r, "/jobs/"+job.ID, http.StatusSeeOther)
}

// saveTrainingData stores the uploaded calibration file, if any, and
// returns its path.
func (s *Server) saveTrainingData(r *http.Request) (string, error) {
	if r.MultipartForm == nil {
		return "", nil
	}
	file, _, err := r.FormFile("train_data_file")
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("reading calibration file: %w", err)
	}
	defer file.Close()

	if err := os.MkdirAll(s.opts.UploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating uploads directory: %w", err)
	}
	out, err := os.CreateTemp(s.opts.UploadsDir, "train-*.txt")
	if err != nil {
		return "", fmt.Errorf("saving calibration file: %w", err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("saving calibration file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("saving calibration file: %w", err)
	}
	return out.Name(), nil
}
