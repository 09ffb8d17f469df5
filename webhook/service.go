package webhook

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/zllovesuki/billing/audit"
	"github.com/zllovesuki/billing/billing"
	resp "github.com/zllovesuki/billing/response"
	"github.com/zllovesuki/billing/spec"

	"github.com/go-chi/chi"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

const maxBodyBytes = int64(65536)

// Recorder persists inbound events and their outcome
type Recorder interface {
	Start(ctx context.Context, e audit.Entry) string
	Finish(ctx context.Context, id string, response string, outcome error)
}

type ServiceOptions struct {
	EventRouter   *Router
	Recorder      Recorder
	Locker        Locker // optional
	Logger        *zap.Logger
	WebhookSecret string
	AckDuplicates bool // acknowledge duplicate deliveries instead of failing them
}

// Service is the inbound webhook endpoint
type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.EventRouter == nil {
		return nil, fmt.Errorf("nil EventRouter is invalid")
	}
	if option.Recorder == nil {
		return nil, fmt.Errorf("nil Recorder is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

type ack struct {
	Received bool   `json:"received"`
	Note     string `json:"note,omitempty"`
}

func (s *Service) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if len(s.WebhookSecret) == 0 {
		s.Logger.Error("Webhook secret is not configured")
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Webhook is not configured"))
		return
	}

	payload, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Cannot read request body"))
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.WebhookSecret)
	if err != nil {
		s.Logger.Warn("Rejecting webhook with invalid signature",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrInvalidSignature())
		return
	}

	logger := s.Logger.With(
		zap.String("EventID", event.ID),
		zap.String("EventType", event.Type),
	)

	if s.Locker != nil {
		release, ok, err := s.Locker.Acquire(ctx, event.ID)
		if err != nil {
			logger.Error("Unable to lock event",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot process event"))
			return
		}
		if !ok {
			logger.Info("Event is already being processed")
			resp.WriteError(w, r, resp.ErrRetryLater())
			return
		}
		defer release()
	}

	logID := s.Recorder.Start(ctx, audit.Entry{
		Direction:   audit.Inbound,
		Provider:    spec.ProviderStripe,
		Kind:        event.Type,
		ReferenceID: event.ID,
		Request:     string(payload),
	})

	err = s.EventRouter.Dispatch(ctx, &event)
	s.Recorder.Finish(ctx, logID, "", err)

	switch {
	case err == nil:
		logger.Info("Processed event")
		resp.WriteResponse(w, r, ack{Received: true})

	case billing.IsDuplicate(err) && s.AckDuplicates:
		logger.Warn("Acknowledging duplicate delivery",
			zap.Error(err),
		)
		resp.WriteResponse(w, r, ack{Received: true, Note: "duplicate"})

	default:
		logger.Error("Unable to process event",
			zap.String("Class", classify(err)),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot process event"))
	}
}

func classify(err error) string {
	switch {
	case billing.IsValidation(err):
		return "validation"
	case billing.IsDuplicate(err):
		return "duplicate"
	case billing.IsInconsistency(err):
		return "inconsistency"
	}
	return "transient"
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/stripe", s.handleStripe)

	return r
}
