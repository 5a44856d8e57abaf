package web

import (
	"context"
	"errors"
	"html/template"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docker/gguf-my-repo/pkg/config"
	"github.com/docker/gguf-my-repo/pkg/jobs"
	"github.com/docker/gguf-my-repo/pkg/modelcard"
	"github.com/docker/gguf-my-repo/pkg/pipeline"
	"github.com/docker/gguf-my-repo/pkg/workspace"
)

const writeWait = 10 * time.Second

// streamMessage is sent over the job log websocket.
type streamMessage struct {
	// Type is "log" for output and "done" once the job has finished.
	Type  string     `json:"type"`
	Data  string     `json:"data,omitempty"`
	State jobs.State `json:"state,omitempty"`
}

// jobStatus is the JSON view of a job.
type jobStatus struct {
	jobs.Info
	Result any `json:"result,omitempty"`
}

type jobView struct {
	Session  *Session
	Job      jobs.Info
	Log      string
	Running  bool
	Message  template.HTML
	Result   *pipeline.Result
	Imatrix  ImatrixVisibility
	Actions  bool
	FollowUp followUp
	// Card is the generated model card rendered as HTML.
	Card template.HTML
}

// ownedJob returns the job named in the path if it belongs to the logged in
// user. Otherwise it writes an error response.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, *Session, bool) {
	session, ok := s.sessions.fromRequest(r)
	if !ok {
		http.Error(w, pipeline.ErrNotLoggedIn.Error(), http.StatusUnauthorized)
		return nil, nil, false
	}
	job, err := s.opts.Jobs.Get(r.PathValue("id"))
	if err != nil || job.Owner != session.User.Name {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil, nil, false
	}
	return job, session, true
}

// reviewResult returns the files of a finished review-mode job.
func reviewResult(job *jobs.Job) (*pipeline.Result, bool) {
	if job.Kind != jobs.KindQuantize || job.State() != jobs.StateSucceeded {
		return nil, false
	}
	value, _ := job.Result()
	result, ok := value.(*pipeline.Result)
	return result, ok && result != nil
}

func (s *Server) followUpFor(id string) followUp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.followUps[id]
}

// claim marks a review-mode job as being acted upon. It reports false if an
// upload or delete was already started.
func (s *Server) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.followUps[id]; taken {
		return false
	}
	s.followUps[id] = followUp{pending: true}
	return true
}

func (s *Server) settle(id string, f followUp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followUps[id] = f
}

func (s *Server) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.followUps, id)
}

// jobExpired deletes the files of an expired review-mode job that were
// neither uploaded nor discarded, and forgets what was done with them.
func (s *Server) jobExpired(job *jobs.Job) {
	defer s.release(job.ID)
	result, ok := reviewResult(job)
	if !ok || !s.claim(job.ID) {
		return
	}
	deleted, err := s.opts.Pipeline.Discard(result.Dir)
	switch {
	case err != nil:
		s.log.Errorf("Error deleting files of expired job %s: %v", job.ID, err)
	case deleted:
		s.log.Infof("Deleted unclaimed files of expired job %s", job.ID)
	}
}

// jobMessage returns the status shown on a finished job's page.
func jobMessage(job *jobs.Job, f followUp) template.HTML {
	value, err := job.Result()
	switch job.State() {
	case jobs.StateSucceeded:
	case jobs.StateFailed:
		if job.Kind == jobs.KindUpload {
			return UploadErrorMessage(err)
		}
		return ErrorMessage(err)
	default:
		return ""
	}

	switch job.Kind {
	case jobs.KindQuantize:
		switch {
		case f.Deleted:
			return template.HTML(EscapeHTML(MessageDeleted))
		case f.NoFiles:
			return template.HTML(EscapeHTML(MessageNoFiles))
		case f.UploadJob != "":
			return ""
		}
		return template.HTML(EscapeHTML(MessageGenerated))
	case jobs.KindUpload:
		if published, ok := value.(*pipeline.Published); ok && published != nil {
			return UploadCompleteMessage(published.URL, published.RepoID)
		}
	case jobs.KindRun:
		if published, ok := value.(*pipeline.Published); ok && published != nil {
			return DoneMessage(published.URL, published.RepoID)
		}
	}
	return ""
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, session, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	f := s.followUpFor(job.ID)
	view := jobView{
		Session:  session,
		Job:      job.Info(),
		Log:      string(job.Log().History()),
		Running:  !job.State().Finished(),
		Message:  jobMessage(job, f),
		FollowUp: f,
	}
	if result, ok := reviewResult(job); ok && f == (followUp{}) {
		view.Result = result
		view.Imatrix = ImatrixVisibilityFor(result.ImatrixPath != "")
		view.Actions = true
		view.Card = s.cardPreview(result.ReadmePath)
	}
	s.render(w, http.StatusOK, "job.html", view)
}

// cardPreview renders a generated README.md. Raw HTML in the card is
// dropped by the renderer.
func (s *Server) cardPreview(path string) template.HTML {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Debugf("No model card to preview: %v", err)
		return ""
	}
	card, err := modelcard.Parse(string(data))
	if err != nil {
		s.log.Warnf("Error parsing model card %s: %v", path, err)
		return ""
	}
	return template.HTML(card.HTML())
}

func (s *Server) handleJobAPI(w http.ResponseWriter, r *http.Request) {
	job, _, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	status := jobStatus{Info: job.Info()}
	if job.State() == jobs.StateSucceeded {
		status.Result, _ = job.Result()
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleJobStream streams a job's output over a websocket: the history
// first, then live output, then a final "done" message.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	job, _, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	history, updates, cancel := job.Log().Subscribe()
	defer cancel()

	// The read loop notices when the client goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(msg streamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}
	if len(history) > 0 {
		if err := send(streamMessage{Type: "log", Data: string(history)}); err != nil {
			return
		}
	}
	for {
		select {
		case <-gone:
			return
		case chunk, ok := <-updates:
			if !ok {
				// The subscription ends when the job finishes or when this
				// client fell too far behind. Either way the page reloads.
				_ = send(streamMessage{Type: "done", State: job.State()})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			if err := send(streamMessage{Type: "log", Data: string(chunk)}); err != nil {
				return
			}
		}
	}
}

// handleFile serves an artifact of a review-mode job as a download.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	job, _, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	result, ok := reviewResult(job)
	if !ok || !workspace.Downloadable(name) || s.followUpFor(job.ID) != (followUp{}) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeFile(w, r, filepath.Join(result.Dir, name))
}

// handleUpload publishes the files of a review-mode job.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	job, session, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	result, ok := reviewResult(job)
	if !ok || s.opts.UploadMode != config.UploadModeReview {
		http.Error(w, "job has no files to upload", http.StatusConflict)
		return
	}
	if !s.claim(job.ID) {
		http.Redirect(w, r, "/jobs/"+job.ID, http.StatusSeeOther)
		return
	}

	token, dir := session.Token, result.Dir
	upload, err := s.opts.Jobs.Submit(jobs.KindUpload, session.User.Name, func(ctx context.Context, j *jobs.Job) (any, error) {
		return s.opts.Pipeline.Upload(ctx, token, dir, j)
	})
	if err != nil {
		s.release(job.ID)
		status := http.StatusInternalServerError
		if errors.Is(err, jobs.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.settle(job.ID, followUp{UploadJob: upload.ID})
	http.Redirect(w, r, "/jobs/"+upload.ID, http.StatusSeeOther)
}

// handleDelete discards the files of a review-mode job.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	job, _, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	result, ok := reviewResult(job)
	if !ok {
		http.Error(w, "job has no files to delete", http.StatusConflict)
		return
	}
	if !s.claim(job.ID) {
		http.Redirect(w, r, "/jobs/"+job.ID, http.StatusSeeOther)
		return
	}
	deleted, err := s.opts.Pipeline.Discard(result.Dir)
	if err != nil {
		s.release(job.ID)
		s.log.Errorf("Error deleting files of job %s: %v", job.ID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.settle(job.ID, followUp{Deleted: deleted, NoFiles: !deleted})
	http.Redirect(w, r, "/jobs/"+job.ID, http.StatusSeeOther)
}

// handleCancel stops a queued or running job.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, _, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.State().Finished() {
		http.Error(w, "job already finished", http.StatusConflict)
		return
	}
	s.log.Infof("Cancelling job %s", job.ID)
	job.Cancel()
	http.Redirect(w, r, "/jobs/"+job.ID, http.StatusSeeOther)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	token := s.opts.HubToken
	if session, ok := s.sessions.fromRequest(r); ok {
		token = session.Token
	}
	models, err := s.opts.Hubs(token).SearchModels(r.Context(), query, searchLimit)
	if err != nil {
		s.log.Warnf("Model search failed: %v", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, models)
}
