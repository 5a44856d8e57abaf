package web

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/docker/gguf-my-repo/pkg/hub"
	"github.com/docker/gguf-my-repo/internal/utils"
)

const (
	stateCookie    = "gguf_oauth_state"
	verifierCookie = "gguf_oauth_verifier"
)

var (
	errInvalidToken = errors.New("Invalid access token.")
	errOAuthState   = errors.New("Login expired or was started elsewhere. Please try again.")
)

// handleLogin starts the OAuth authorization code flow.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	conf := s.oauthConfig(r)
	if conf == nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	setCookie(w, r, stateCookie, state, oauthCookieAge)
	setCookie(w, r, verifierCookie, verifier, oauthCookieAge)
	http.Redirect(w, r, conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), http.StatusFound)
}

// handleOAuthCallback completes the OAuth flow and logs the user in.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	conf := s.oauthConfig(r)
	if conf == nil {
		http.NotFound(w, r)
		return
	}
	setCookie(w, r, stateCookie, "", -1)
	setCookie(w, r, verifierCookie, "", -1)

	query := r.URL.Query()
	if msg := query.Get("error"); msg != "" {
		desc := query.Get("error_description")
		if desc == "" {
			desc = msg
		}
		s.renderIndex(w, r, http.StatusUnauthorized, nil, ErrorMessage(errors.New(desc)))
		return
	}
	state, err := r.Cookie(stateCookie)
	if err != nil || subtle.ConstantTimeCompare([]byte(state.Value), []byte(query.Get("state"))) != 1 {
		s.renderIndex(w, r, http.StatusBadRequest, nil, ErrorMessage(errOAuthState))
		return
	}
	verifier, err := r.Cookie(verifierCookie)
	if err != nil {
		s.renderIndex(w, r, http.StatusBadRequest, nil, ErrorMessage(errOAuthState))
		return
	}

	token, err := conf.Exchange(r.Context(), query.Get("code"), oauth2.VerifierOption(verifier.Value))
	if err != nil {
		s.log.Warnf("OAuth code exchange failed: %v", err)
		s.renderIndex(w, r, http.StatusBadGateway, nil, ErrorMessage(errors.New("Could not complete the login. Please try again.")))
		return
	}
	s.login(w, r, token.AccessToken)
}

// handleTokenLogin logs in with a pasted access token.
func (s *Server) handleTokenLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, strings.TrimSpace(r.PostFormValue("token")))
}

// login validates token with whoami and starts a session.
func (s *Server) login(w http.ResponseWriter, r *http.Request, token string) {
	if token == "" {
		s.renderIndex(w, r, http.StatusUnauthorized, nil, ErrorMessage(errInvalidToken))
		return
	}
	user, err := s.opts.Hubs(token).WhoAmI(r.Context())
	if err != nil {
		if errors.Is(err, hub.ErrUnauthorized) {
			s.renderIndex(w, r, http.StatusUnauthorized, nil, ErrorMessage(errInvalidToken))
			return
		}
		s.log.Warnf("Error validating access token: %v", err)
		s.renderIndex(w, r, http.StatusBadGateway, nil, ErrorMessage(err))
		return
	}
	session := s.sessions.create(*user, token)
	setCookie(w, r, sessionCookie, session.ID, int(sessionTTL.Seconds()))
	s.log.Infof("User %s logged in", utils.SanitizeForLog(user.Name))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if session, ok := s.sessions.fromRequest(r); ok {
		s.sessions.delete(session.ID)
	}
	setCookie(w, r, sessionCookie, "", -1)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
