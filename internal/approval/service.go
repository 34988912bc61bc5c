// Package approval is the download approval workflow engine. A download
// request moves pending -> approved -> expired, or pending -> denied. Grants
// expire lazily: the expired state becomes visible when a past-expiry grant
// is next touched, not through a background sweep.
package approval

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
	"medvault.org/internal/obs"
)

// Request is a download approval request. It is mutated exactly once by a
// reviewer decision, plus at most one lazy expiry flip.
type Request struct {
	ID            string     `json:"id"`
	RequesterID   string     `json:"requester_id"`
	SampleID      string     `json:"sample_id"`
	Justification string     `json:"justification"`
	Status        Status     `json:"status"`
	ReviewerID    string     `json:"reviewer_id,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Active reports whether the request occupies the (requester, sample) slot:
// pending always, approved until its expiry passes.
func (r *Request) Active(now time.Time) bool {
	switch r.Status {
	case StatusPending:
		return true
	case StatusApproved:
		return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
	default:
		return false
	}
}

// Store persists requests. CreateIfNoActive must atomically enforce the
// one-active-request-per-(requester, sample) invariant. The transition
// methods are compare-and-set: they fail with ErrInvalidTransition when the
// record is not in the expected `from` state, so concurrent decisions cannot
// both succeed.
type Store interface {
	CreateApprovalIfNoActive(ctx context.Context, r *Request, now time.Time) error
	FindApproval(ctx context.Context, id string) (*Request, error)
	DecideApproval(ctx context.Context, id string, from, to Status, reviewerID string, decidedAt time.Time, expiresAt *time.Time) error
	ExpireApproval(ctx context.Context, id string, at time.Time) error
	ListApprovals(ctx context.Context, status Status, requesterID string) ([]Request, error)
}

// SampleSource is the slice of the catalog the engine consults before
// granting.
type SampleSource interface {
	Sample(ctx context.Context, id string) (catalog.Sample, error)
	DigestExists(ctx context.Context, digest string) (bool, error)
}

// Service runs the approval workflow.
type Service struct {
	store    Store
	samples  SampleSource
	rec      *audit.Recorder
	secret   []byte
	grantTTL time.Duration
	now      func() time.Time
}

// NewService wires the engine. secret signs capability tokens; grantTTL is
// the default grant window when the reviewer does not specify one.
func NewService(store Store, samples SampleSource, rec *audit.Recorder, secret string, grantTTL time.Duration) (*Service, error) {
	if store == nil || samples == nil {
		return nil, errors.New("approval: store and sample source are required")
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("approval: capability signing secret is required")
	}
	if grantTTL <= 0 {
		return nil, errors.New("approval: default grant ttl must be positive")
	}
	return &Service{
		store:    store,
		samples:  samples,
		rec:      rec,
		secret:   []byte(secret),
		grantTTL: grantTTL,
		now:      time.Now,
	}, nil
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// FileRequest opens a download request in `pending`. Any authenticated
// principal may file; the gate is the review. Fails with
// ErrDuplicateActiveRequest while a prior request for the same sample is
// still active, and with the catalog's not-found errors when the sample
// record or its blob is gone.
func (s *Service) FileRequest(ctx context.Context, sampleID, justification string) (Request, error) {
	p, err := auth.RequireAuthenticated(ctx)
	if err != nil {
		s.audit(ctx, "", "approval.file", sampleID, err, nil)
		return Request{}, err
	}
	req, err := s.fileRequest(ctx, p, sampleID, justification)
	if err != nil {
		s.audit(ctx, p.UserID, "approval.file", sampleID, err, nil)
		return Request{}, err
	}
	s.audit(ctx, p.UserID, "approval.file", req.ID, nil, nil)
	return req, nil
}

func (s *Service) fileRequest(ctx context.Context, p auth.Principal, sampleID, justification string) (Request, error) {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return Request{}, fmt.Errorf("%w: justification is required", ErrInvalidInput)
	}
	sample, err := s.samples.Sample(ctx, sampleID)
	if err != nil {
		return Request{}, err
	}
	ok, err := s.samples.DigestExists(ctx, sample.Digest)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, fmt.Errorf("%w: sample %s has no backing blob", catalog.ErrBlobMissing, sampleID)
	}

	now := s.now().UTC()
	req := Request{
		ID:            ids.New(),
		RequesterID:   p.UserID,
		SampleID:      sample.ID,
		Justification: justification,
		Status:        StatusPending,
		CreatedAt:     now,
	}
	if err := s.store.CreateApprovalIfNoActive(ctx, &req, now); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Decide applies a reviewer decision. Reviewer or admin; reviewers may not
// decide their own requests; only a pending request can be decided, and a
// concurrent racer observes ErrInvalidTransition. Approval sets the grant
// expiry to now + grantTTL (the configured default when zero).
func (s *Service) Decide(ctx context.Context, requestID string, approve bool, grantTTL time.Duration) (Request, error) {
	p, err := auth.RequireRole(ctx, auth.RoleReviewer, auth.RoleAdmin)
	if err != nil {
		s.audit(ctx, "", "approval.decide", requestID, err, nil)
		return Request{}, err
	}
	req, err := s.decide(ctx, p, requestID, approve, grantTTL)
	if err != nil {
		s.audit(ctx, p.UserID, "approval.decide", requestID, err, nil)
		return Request{}, err
	}
	obs.ApprovalDecisionsTotal.WithLabelValues(string(req.Status)).Inc()
	s.audit(ctx, p.UserID, "approval.decide", requestID, nil, map[string]string{"outcome": string(req.Status)})
	return req, nil
}

func (s *Service) decide(ctx context.Context, p auth.Principal, requestID string, approve bool, grantTTL time.Duration) (Request, error) {
	req, err := s.store.FindApproval(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.RequesterID == p.UserID {
		return Request{}, ErrSelfApprovalForbidden
	}

	event := EventDeny
	if approve {
		event = EventApprove
	}
	to, err := Next(req.Status, event)
	if err != nil {
		return Request{}, err
	}

	now := s.now().UTC()
	var expiresAt *time.Time
	if approve {
		if grantTTL <= 0 {
			grantTTL = s.grantTTL
		}
		exp := now.Add(grantTTL)
		expiresAt = &exp
	}
	if err := s.store.DecideApproval(ctx, requestID, req.Status, to, p.UserID, now, expiresAt); err != nil {
		return Request{}, err
	}

	updated, err := s.store.FindApproval(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	return *updated, nil
}

// AuthorizeDownload checks a grant at use time and mints a capability token
// scoped to exactly the request's sample. Expiry is applied lazily here: a
// past-expiry grant flips to expired and the call fails with ErrGrantExpired,
// idempotently on repeat calls. Only the requester's current authentication
// is re-checked; the reviewer's standing at decision time is not revisited.
func (s *Service) AuthorizeDownload(ctx context.Context, requestID string) (Capability, error) {
	p, err := auth.RequireAuthenticated(ctx)
	if err != nil {
		s.audit(ctx, "", "approval.download.authorized", requestID, err, nil)
		return Capability{}, err
	}
	grant, err := s.authorizeDownload(ctx, p, requestID)
	if err != nil {
		s.audit(ctx, p.UserID, "approval.download.authorized", requestID, err, nil)
		return Capability{}, err
	}
	s.audit(ctx, p.UserID, "approval.download.authorized", requestID, nil, map[string]string{"sample_id": grant.SampleID})
	return grant, nil
}

func (s *Service) authorizeDownload(ctx context.Context, p auth.Principal, requestID string) (Capability, error) {
	req, err := s.store.FindApproval(ctx, requestID)
	if err != nil {
		return Capability{}, err
	}
	if req.RequesterID != p.UserID {
		return Capability{}, auth.ErrForbidden
	}

	switch req.Status {
	case StatusExpired:
		return Capability{}, ErrGrantExpired
	case StatusApproved:
		// fall through to the expiry check
	default:
		return Capability{}, ErrNotApproved
	}

	now := s.now().UTC()
	if req.ExpiresAt != nil && now.After(*req.ExpiresAt) {
		// Lazy expiry. A concurrent flip losing the CAS is fine: the record
		// is expired either way.
		if err := s.store.ExpireApproval(ctx, req.ID, now); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return Capability{}, err
		}
		return Capability{}, ErrGrantExpired
	}

	sample, err := s.samples.Sample(ctx, req.SampleID)
	if err != nil {
		return Capability{}, err
	}
	ok, err := s.samples.DigestExists(ctx, sample.Digest)
	if err != nil {
		return Capability{}, err
	}
	if !ok {
		return Capability{}, fmt.Errorf("%w: sample %s has no backing blob", catalog.ErrBlobMissing, sample.ID)
	}

	return s.mintCapability(req, sample.Digest, now)
}

// Get returns a request visible to its requester, reviewers and admins.
func (s *Service) Get(ctx context.Context, requestID string) (Request, error) {
	p, err := auth.RequireAuthenticated(ctx)
	if err != nil {
		return Request{}, err
	}
	req, err := s.store.FindApproval(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.RequesterID != p.UserID && p.Role != auth.RoleReviewer && p.Role != auth.RoleAdmin {
		return Request{}, auth.ErrForbidden
	}
	return *req, nil
}

// ListPending returns the review queue. Reviewer or admin.
func (s *Service) ListPending(ctx context.Context) ([]Request, error) {
	if _, err := auth.RequireRole(ctx, auth.RoleReviewer, auth.RoleAdmin); err != nil {
		return nil, err
	}
	return s.store.ListApprovals(ctx, StatusPending, "")
}

// ListMine returns the caller's own requests, any state.
func (s *Service) ListMine(ctx context.Context) ([]Request, error) {
	p, err := auth.RequireAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListApprovals(ctx, "", p.UserID)
}

func (s *Service) audit(ctx context.Context, actor, action, targetID string, err error, extra map[string]string) {
	reason := reasonFor(err)
	if err == nil && extra != nil {
		parts := make([]string, 0, len(extra))
		for k, v := range extra {
			parts = append(parts, k+"="+v)
		}
		reason = strings.Join(parts, " ")
	}
	s.rec.Record(ctx, audit.Entry{
		ActorID:    actor,
		Action:     action,
		TargetType: "approval_request",
		TargetID:   targetID,
		Outcome:    outcomeFor(err),
		Reason:     reason,
	})
}

func outcomeFor(err error) audit.Outcome {
	switch {
	case err == nil:
		return audit.OutcomeOK
	case errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrForbidden),
		errors.Is(err, ErrSelfApprovalForbidden),
		errors.Is(err, ErrNotApproved),
		errors.Is(err, ErrGrantExpired):
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
	case errors.Is(err, catalog.ErrBlobMissing):
		return "blob_missing"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrDuplicateActiveRequest):
		return "duplicate_active_request"
	case errors.Is(err, ErrSelfApprovalForbidden):
		return "self_approval_forbidden"
	case errors.Is(err, ErrNotApproved):
		return "not_approved"
	case errors.Is(err, ErrGrantExpired):
		return "grant_expired"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "error"
	}
}
