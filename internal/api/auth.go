package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"visionguard/internal/auth"
	"visionguard/internal/middleware"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type authStatusResponse struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	Username      *string `json:"username,omitempty"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	token, expiresAt, err := s.auth.Authenticate(req.Username, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.logger.Info("Rejected login", zap.String("username", req.Username), zap.String("remote", r.RemoteAddr))
		s.fail(w, r, http.StatusUnauthorized, errors.New("invalid username or password"))
		return
	case errors.Is(err, auth.ErrAuthDisabled):
		s.fail(w, r, http.StatusBadRequest, errors.New("authentication is disabled"))
		return
	default:
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	s.encode(w, r, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

// authStatus reports whether the request carries a valid token. The route is
// public, so the token is checked here rather than by the middleware.
func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	resp := authStatusResponse{Enabled: s.auth.IsEnabled()}
	if claims := middleware.GetUserFromContext(r.Context()); claims != nil {
		resp.Authenticated = true
		resp.Username = &claims.Username
	} else if token := middleware.TokenFromRequest(r); resp.Enabled && token != "" {
		if claims, err := s.auth.ValidateToken(token); err == nil {
			resp.Authenticated = true
			resp.Username = &claims.Username
		}
	}
	s.encode(w, r, http.StatusOK, resp)
}
