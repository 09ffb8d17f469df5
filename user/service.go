package user

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	resp "github.com/zllovesuki/billing/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

type ServiceOptions struct {
	UserManager *Manager
	Logger      *zap.Logger
}

// Service is the internal user API used by the frontend gateway
type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.UserManager == nil {
		return nil, fmt.Errorf("nil UserManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

type AnonymousRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type IdentityRequest struct {
	IdentityID string `json:"identityId"`
	Email      string `json:"email"`
}

func (s *Service) getUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	u, err := s.UserManager.GetByID(r.Context(), userID)
	if err != nil {
		s.Logger.Error("Unable to get user",
			zap.String("UserID", userID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to get user"))
		return
	}
	if u == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find user with specific ID"))
		return
	}

	resp.WriteResponse(w, r, u)
}

func (s *Service) createAnonymous(w http.ResponseWriter, r *http.Request) {
	var req AnonymousRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if len(req.Fingerprint) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("fingerprint is required"))
		return
	}

	u, err := s.UserManager.CreateAnonymous(r.Context(), req.Fingerprint)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create user"))
		return
	}

	resp.WriteResponse(w, r, u)
}

func (s *Service) createRegistered(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if len(req.IdentityID) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("identityId is required"))
		return
	}

	u, err := s.UserManager.CreateRegistered(r.Context(), req.IdentityID, req.Email)
	if errors.Is(err, ErrIdentityTaken) {
		resp.WriteError(w, r, resp.ErrConflict().AddMessages("Identity is already linked to another user"))
		return
	}
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create user"))
		return
	}

	resp.WriteResponse(w, r, u)
}

func (s *Service) upgrade(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req IdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if len(req.IdentityID) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("identityId is required"))
		return
	}

	u, err := s.UserManager.Upgrade(r.Context(), userID, req.IdentityID, req.Email)
	switch {
	case errors.Is(err, ErrNotFound):
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find user with specific ID"))
	case errors.Is(err, ErrAlreadyRegistered):
		resp.WriteError(w, r, resp.ErrConflict().AddMessages("User is already registered"))
	case errors.Is(err, ErrIdentityTaken):
		resp.WriteError(w, r, resp.ErrConflict().AddMessages("Identity is already linked to another user"))
	case err != nil:
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to upgrade user"))
	default:
		resp.WriteResponse(w, r, u)
	}
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/anonymous", s.createAnonymous)
	r.Post("/registered", s.createRegistered)
	r.Get("/{userID}", s.getUser)
	r.Post("/{userID}/upgrade", s.upgrade)

	return r
}
