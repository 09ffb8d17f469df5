package credit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	resp "github.com/zllovesuki/billing/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

type ServiceOptions struct {
	CreditManager *Manager
	Logger        *zap.Logger
}

// Service exposes read-only ledger views to internal callers
type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.CreditManager == nil {
		return nil, fmt.Errorf("nil CreditManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) getCredit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	c, err := s.CreditManager.Get(s.CreditManager.DB.WithContext(r.Context()), userID)
	if errors.Is(err, ErrNotFound) {
		resp.WriteError(w, r, resp.ErrNotFound())
		return
	}
	if err != nil {
		s.Logger.Error("Unable to get credit ledger",
			zap.String("UserID", userID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to get credits"))
		return
	}

	resp.WriteResponse(w, r, c)
}

func (s *Service) listHistory(w http.ResponseWriter, r *http.Request) {
	opt := ListOption{
		UserID: chi.URLParam(r, "userID"),
		Limit:  50,
	}
	query := r.URL.Query()
	if l := query.Get("limit"); len(l) > 0 {
		limit, err := strconv.Atoi(l)
		if err != nil || limit <= 0 || limit > 500 {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("limit must be between 1 and 500"))
			return
		}
		opt.Limit = limit
	}
	if b := query.Get("before"); len(b) > 0 {
		before, err := time.Parse(time.RFC3339, b)
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("before must be RFC3339"))
			return
		}
		opt.Before = before
	}

	logs, err := s.CreditManager.ListAuditLogs(r.Context(), opt)
	if err != nil {
		s.Logger.Error("Unable to list credit audit logs",
			zap.String("UserID", opt.UserID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to list history"))
		return
	}

	resp.WriteResponse(w, r, logs)
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/{userID}", s.getCredit)
	r.Get("/{userID}/history", s.listHistory)

	return r
}
