// Package annotation tracks annotation records attached to samples through a
// submission and review state machine. Records are never deleted; a
// correction is a new record superseding the old one.
package annotation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medvault.org/internal/audit"
	"medvault.org/internal/auth"
	"medvault.org/internal/catalog"
	"medvault.org/internal/ids"
)

// ErrNotFound covers missing annotation records.
var ErrNotFound = errors.New("annotation: not found")

// ErrInvalidInput flags malformed submissions.
var ErrInvalidInput = errors.New("annotation: invalid input")

// Annotation is a single annotation record with per-transition timestamps.
type Annotation struct {
	ID         string     `json:"id"`
	SampleID   string     `json:"sample_id"`
	AuthorID   string     `json:"author_id"`
	Payload    string     `json:"payload"`
	Status     Status     `json:"status"`
	ReviewerID string     `json:"reviewer_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
}

// Store persists annotations. Transition applies a compare-and-set: it must
// fail with ErrInvalidTransition when the record is not in the expected
// `from` state, so two concurrent transitions cannot both succeed.
type Store interface {
	CreateAnnotation(ctx context.Context, a *Annotation) error
	FindAnnotation(ctx context.Context, id string) (*Annotation, error)
	ListAnnotationsBySample(ctx context.Context, sampleID string) ([]Annotation, error)
	TransitionAnnotation(ctx context.Context, id string, from, to Status, reviewerID string, at time.Time) error
}

// SampleSource resolves the sample an annotation attaches to.
type SampleSource interface {
	Sample(ctx context.Context, id string) (catalog.Sample, error)
}

// Service runs the annotation lifecycle.
type Service struct {
	store   Store
	samples SampleSource
	rec     *audit.Recorder
	now     func() time.Time
}

// NewService wires the lifecycle service.
func NewService(store Store, samples SampleSource, rec *audit.Recorder) (*Service, error) {
	if store == nil || samples == nil {
		return nil, errors.New("annotation: store and sample source are required")
	}
	return &Service{store: store, samples: samples, rec: rec, now: time.Now}, nil
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Submit creates a record in `submitted`. Uploader, reviewer or admin.
func (s *Service) Submit(ctx context.Context, sampleID, payload string) (Annotation, error) {
	p, err := auth.RequireRole(ctx, auth.RoleUploader, auth.RoleReviewer, auth.RoleAdmin)
	if err != nil {
		s.audit(ctx, "", "annotation.submit", sampleID, "", "", err)
		return Annotation{}, err
	}
	a, err := s.submit(ctx, p, sampleID, payload)
	if err != nil {
		s.audit(ctx, p.UserID, "annotation.submit", sampleID, "", "", err)
		return Annotation{}, err
	}
	s.audit(ctx, p.UserID, "annotation.submit", a.ID, "", string(StatusSubmitted), nil)
	return a, nil
}

func (s *Service) submit(ctx context.Context, p auth.Principal, sampleID, payload string) (Annotation, error) {
	if strings.TrimSpace(payload) == "" {
		return Annotation{}, fmt.Errorf("%w: payload is required", ErrInvalidInput)
	}
	if _, err := s.samples.Sample(ctx, sampleID); err != nil {
		return Annotation{}, err
	}
	a := Annotation{
		ID:        ids.New(),
		SampleID:  sampleID,
		AuthorID:  p.UserID,
		Payload:   payload,
		Status:    StatusSubmitted,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateAnnotation(ctx, &a); err != nil {
		return Annotation{}, err
	}
	return a, nil
}

// BeginReview moves a submitted annotation under review. Reviewer or admin.
func (s *Service) BeginReview(ctx context.Context, annotationID string) (Annotation, error) {
	return s.transition(ctx, annotationID, "annotation.review.begin", EventBeginReview)
}

// Decide accepts or rejects an annotation under review. Reviewer or admin.
// Terminal states are final.
func (s *Service) Decide(ctx context.Context, annotationID string, accept bool) (Annotation, error) {
	event := EventReject
	if accept {
		event = EventAccept
	}
	return s.transition(ctx, annotationID, "annotation.decide", event)
}

func (s *Service) transition(ctx context.Context, annotationID, action string, event Event) (Annotation, error) {
	p, err := auth.RequireRole(ctx, auth.RoleReviewer, auth.RoleAdmin)
	if err != nil {
		s.audit(ctx, "", action, annotationID, "", "", err)
		return Annotation{}, err
	}
	a, err := s.store.FindAnnotation(ctx, annotationID)
	if err != nil {
		s.audit(ctx, p.UserID, action, annotationID, "", "", err)
		return Annotation{}, err
	}
	from := a.Status
	to, err := Next(from, event)
	if err != nil {
		s.audit(ctx, p.UserID, action, annotationID, string(from), "", err)
		return Annotation{}, err
	}
	at := s.now().UTC()
	if err := s.store.TransitionAnnotation(ctx, annotationID, from, to, p.UserID, at); err != nil {
		s.audit(ctx, p.UserID, action, annotationID, string(from), string(to), err)
		return Annotation{}, err
	}
	s.audit(ctx, p.UserID, action, annotationID, string(from), string(to), nil)

	updated, err := s.store.FindAnnotation(ctx, annotationID)
	if err != nil {
		return Annotation{}, err
	}
	return *updated, nil
}

// List returns a sample's annotations for any authenticated principal.
func (s *Service) List(ctx context.Context, sampleID string) ([]Annotation, error) {
	if _, err := auth.RequireAuthenticated(ctx); err != nil {
		return nil, err
	}
	if _, err := s.samples.Sample(ctx, sampleID); err != nil {
		return nil, err
	}
	return s.store.ListAnnotationsBySample(ctx, sampleID)
}

func (s *Service) audit(ctx context.Context, actor, action, targetID, fromState, toState string, err error) {
	reason := reasonFor(err)
	if err == nil && fromState != "" {
		reason = fromState + "->" + toState
	} else if err == nil && toState != "" {
		reason = toState
	}
	s.rec.Record(ctx, audit.Entry{
		ActorID:    actor,
		Action:     action,
		TargetType: "annotation",
		TargetID:   targetID,
		Outcome:    outcomeFor(err),
		Reason:     reason,
	})
}

func outcomeFor(err error) audit.Outcome {
	switch {
	case err == nil:
		return audit.OutcomeOK
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrForbidden):
		return audit.OutcomeDeny
	default:
		return audit.OutcomeError
	}
}

func reasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, auth.ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "error"
	}
}
