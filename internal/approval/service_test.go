package approval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"medvault.org/internal/approval"
	"medvault.org/internal/audit"
	"medvault.org/internal/auth"
	"medvault.org/internal/catalog"
	"medvault.org/internal/store/memstore"
)

type stubSamples struct {
	samples map[string]catalog.Sample
	digests map[string]bool
}

func (s *stubSamples) Sample(ctx context.Context, id string) (catalog.Sample, error) {
	sm, ok := s.samples[id]
	if !ok {
		return catalog.Sample{}, catalog.ErrNotFound
	}
	return sm, nil
}

func (s *stubSamples) DigestExists(ctx context.Context, digest string) (bool, error) {
	return s.digests[digest], nil
}

type fixture struct {
	svc   *approval.Service
	store *memstore.Store
	now   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	samples := &stubSamples{
		samples: map[string]catalog.Sample{
			"s1": {ID: "s1", Digest: "digest-1"},
		},
		digests: map[string]bool{"digest-1": true},
	}
	svc, err := approval.NewService(st, samples, audit.NewRecorder(st), "capability-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	f := &fixture{svc: svc, store: st, now: &now}
	svc.WithClock(func() time.Time { return *f.now })
	return f
}

func (f *fixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func ctxAs(role auth.Role, userID string) context.Context {
	return auth.ContextWithPrincipal(context.Background(),
		auth.Principal{UserID: userID, Role: role})
}

func TestFileRequest(t *testing.T) {
	f := newFixture(t)
	req, err := f.svc.FileRequest(ctxAs(auth.RoleViewer, "v1"), "s1", "diagnosis follow-up")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}
	if req.Status != approval.StatusPending || req.RequesterID != "v1" || req.SampleID != "s1" {
		t.Fatalf("request: %+v", req)
	}
}

func TestFileRequestValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.FileRequest(context.Background(), "s1", "x"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("anonymous: got %v", err)
	}
	if _, err := f.svc.FileRequest(ctxAs(auth.RoleViewer, "v1"), "s1", "  "); !errors.Is(err, approval.ErrInvalidInput) {
		t.Fatalf("blank justification: got %v", err)
	}
	if _, err := f.svc.FileRequest(ctxAs(auth.RoleViewer, "v1"), "missing", "x"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("unknown sample: got %v", err)
	}
}

func TestDuplicateActiveRequest(t *testing.T) {
	f := newFixture(t)
	viewer := ctxAs(auth.RoleViewer, "v1")
	if _, err := f.svc.FileRequest(viewer, "s1", "first"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := f.svc.FileRequest(viewer, "s1", "second"); !errors.Is(err, approval.ErrDuplicateActiveRequest) {
		t.Fatalf("got %v, want ErrDuplicateActiveRequest", err)
	}
	// A different requester gets their own slot for the same sample.
	if _, err := f.svc.FileRequest(ctxAs(auth.RoleViewer, "v2"), "s1", "other requester"); err != nil {
		t.Fatalf("other requester: %v", err)
	}
}

func TestDeniedFreesTheSlot(t *testing.T) {
	f := newFixture(t)
	viewer := ctxAs(auth.RoleViewer, "v1")
	req, err := f.svc.FileRequest(viewer, "s1", "first")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}
	if _, err := f.svc.Decide(ctxAs(auth.RoleReviewer, "r1"), req.ID, false, 0); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := f.svc.FileRequest(viewer, "s1", "retry after denial"); err != nil {
		t.Fatalf("refile after denial: %v", err)
	}
}

func TestDecideRequiresReviewer(t *testing.T) {
	f := newFixture(t)
	req, err := f.svc.FileRequest(ctxAs(auth.RoleViewer, "v1"), "s1", "x")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}
	if _, err := f.svc.Decide(ctxAs(auth.RoleUploader, "u1"), req.ID, true, 0); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("uploader decide: got %v", err)
	}
}

func TestSelfApprovalForbidden(t *testing.T) {
	f := newFixture(t)
	// A reviewer files their own request and must not be able to decide it.
	req, err := f.svc.FileRequest(ctxAs(auth.RoleReviewer, "r1"), "s1", "own request")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}
	if _, err := f.svc.Decide(ctxAs(auth.RoleReviewer, "r1"), req.ID, true, 0); !errors.Is(err, approval.ErrSelfApprovalForbidden) {
		t.Fatalf("got %v, want ErrSelfApprovalForbidden", err)
	}
	// Another reviewer can.
	if _, err := f.svc.Decide(ctxAs(auth.RoleReviewer, "r2"), req.ID, true, 0); err != nil {
		t.Fatalf("other reviewer: %v", err)
	}
}

func TestDecideOnce(t *testing.T) {
	f := newFixture(t)
	req, err := f.svc.FileRequest(ctxAs(auth.RoleViewer, "v1"), "s1", "x")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}
	reviewer := ctxAs(auth.RoleReviewer, "r1")
	decided, err := f.svc.Decide(reviewer, req.ID, true, 0)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decided.Status != approval.StatusApproved || decided.ExpiresAt == nil || decided.ReviewerID != "r1" {
		t.Fatalf("decided: %+v", decided)
	}
	if _, err := f.svc.Decide(reviewer, req.ID, false, 0); !errors.Is(err, approval.ErrInvalidTransition) {
		t.Fatalf("second decision: got %v", err)
	}
}

func TestConcurrentDecideExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	req, err := f.svc.FileRequest(ctxAs(auth.RoleViewer, "v1"), "s1", "x")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}

	errs := make(chan error, 2)
	go func() {
		_, err := f.svc.Decide(ctxAs(auth.RoleReviewer, "r1"), req.ID, true, 0)
		errs <- err
	}()
	go func() {
		_, err := f.svc.Decide(ctxAs(auth.RoleReviewer, "r2"), req.ID, false, 0)
		errs <- err
	}()

	var wins, losses int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			wins++
		case errors.Is(err, approval.ErrInvalidTransition):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one winner", wins, losses)
	}
}

func TestAuthorizeDownload(t *testing.T) {
	f := newFixture(t)
	viewer := ctxAs(auth.RoleViewer, "v1")
	req, err := f.svc.FileRequest(viewer, "s1", "x")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}

	// Not approved yet.
	if _, err := f.svc.AuthorizeDownload(viewer, req.ID); !errors.Is(err, approval.ErrNotApproved) {
		t.Fatalf("pending download: got %v", err)
	}

	if _, err := f.svc.Decide(ctxAs(auth.RoleReviewer, "r1"), req.ID, true, 0); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	// Only the requester may use the grant.
	if _, err := f.svc.AuthorizeDownload(ctxAs(auth.RoleViewer, "v2"), req.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("other user download: got %v", err)
	}

	grant, err := f.svc.AuthorizeDownload(viewer, req.ID)
	if err != nil {
		t.Fatalf("AuthorizeDownload: %v", err)
	}
	if grant.SampleID != "s1" || grant.RequestID != req.ID || grant.Token == "" {
		t.Fatalf("grant: %+v", grant)
	}
	// Capability lifetime is capped at five minutes.
	if got := grant.ExpiresAt.Sub(*f.now); got > 5*time.Minute {
		t.Fatalf("capability ttl %v, want <= 5m", got)
	}

	claims, err := f.svc.VerifyCapability(grant.Token)
	if err != nil {
		t.Fatalf("VerifyCapability: %v", err)
	}
	if claims.SampleID != "s1" || claims.RequestID != req.ID || claims.Digest != "digest-1" {
		t.Fatalf("claims: %+v", claims)
	}
}

func TestDeniedDownload(t *testing.T) {
	f := newFixture(t)
	viewer := ctxAs(auth.RoleViewer, "v1")
	req, err := f.svc.FileRequest(viewer, "s1", "x")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}
	if _, err := f.svc.Decide(ctxAs(auth.RoleReviewer, "r1"), req.ID, false, 0); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := f.svc.AuthorizeDownload(viewer, req.ID); !errors.Is(err, approval.ErrNotApproved) {
		t.Fatalf("denied download: got %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t)
	viewer := ctxAs(auth.RoleViewer, "v1")
	req, err := f.svc.FileRequest(viewer, "s1", "x")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}
	if _, err := f.svc.Decide(ctxAs(auth.RoleReviewer, "r1"), req.ID, true, 10*time.Minute); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	f.advance(11 * time.Minute)

	// First touch flips the record to expired.
	if _, err := f.svc.AuthorizeDownload(viewer, req.ID); !errors.Is(err, approval.ErrGrantExpired) {
		t.Fatalf("first expired download: got %v", err)
	}
	got, err := f.svc.Get(viewer, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != approval.StatusExpired {
		t.Fatalf("status %s, want expired", got.Status)
	}

	// Repeat calls are idempotent.
	if _, err := f.svc.AuthorizeDownload(viewer, req.ID); !errors.Is(err, approval.ErrGrantExpired) {
		t.Fatalf("second expired download: got %v", err)
	}

	// The slot is free again.
	if _, err := f.svc.FileRequest(viewer, "s1", "again"); err != nil {
		t.Fatalf("refile after expiry: %v", err)
	}
}

func TestCapabilityBoundByGrantWindow(t *testing.T) {
	f := newFixture(t)
	viewer := ctxAs(auth.RoleViewer, "v1")
	req, err := f.svc.FileRequest(viewer, "s1", "x")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}
	if _, err := f.svc.Decide(ctxAs(auth.RoleReviewer, "r1"), req.ID, true, 2*time.Minute); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	grant, err := f.svc.AuthorizeDownload(viewer, req.ID)
	if err != nil {
		t.Fatalf("AuthorizeDownload: %v", err)
	}
	if got := grant.ExpiresAt.Sub(*f.now); got != 2*time.Minute {
		t.Fatalf("capability ttl %v, want the 2m grant remainder", got)
	}

	f.advance(3 * time.Minute)
	if _, err := f.svc.VerifyCapability(grant.Token); !errors.Is(err, approval.ErrGrantExpired) {
		t.Fatalf("expired token: got %v", err)
	}
}

func TestVerifyCapabilityRejectsForeignToken(t *testing.T) {
	f := newFixture(t)
	other, err := approval.NewService(memstore.New(), &stubSamples{
		samples: map[string]catalog.Sample{"s1": {ID: "s1", Digest: "digest-1"}},
		digests: map[string]bool{"digest-1": true},
	}, audit.NewRecorder(memstore.New()), "a-different-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	viewer := ctxAs(auth.RoleViewer, "v1")
	req, err := other.FileRequest(viewer, "s1", "x")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}
	if _, err := other.Decide(ctxAs(auth.RoleReviewer, "r1"), req.ID, true, 0); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	grant, err := other.AuthorizeDownload(viewer, req.ID)
	if err != nil {
		t.Fatalf("AuthorizeDownload: %v", err)
	}
	if _, err := f.svc.VerifyCapability(grant.Token); !errors.Is(err, approval.ErrGrantExpired) {
		t.Fatalf("foreign token: got %v", err)
	}
}

func TestListPendingAndMine(t *testing.T) {
	f := newFixture(t)
	viewer := ctxAs(auth.RoleViewer, "v1")
	req, err := f.svc.FileRequest(viewer, "s1", "x")
	if err != nil {
		t.Fatalf("FileRequest: %v", err)
	}

	if _, err := f.svc.ListPending(viewer); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("viewer pending queue: got %v", err)
	}
	pending, err := f.svc.ListPending(ctxAs(auth.RoleReviewer, "r1"))
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("pending: %+v", pending)
	}

	mine, err := f.svc.ListMine(viewer)
	if err != nil {
		t.Fatalf("ListMine: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != req.ID {
		t.Fatalf("mine: %+v", mine)
	}
	if other, _ := f.svc.ListMine(ctxAs(auth.RoleViewer, "v2")); len(other) != 0 {
		t.Fatalf("foreign mine: %+v", other)
	}
}

func TestEveryOutcomeIsAudited(t *testing.T) {
	f := newFixture(t)
	viewer := ctxAs(auth.RoleViewer, "v1")
	if _, err := f.svc.FileRequest(viewer, "s1", "x"); err != nil {
		t.Fatalf("FileRequest: %v", err)
	}
	before := f.store.AuditLen()

	// A denied self-approval attempt still writes an audit entry.
	reviewerReq, err := f.svc.FileRequest(ctxAs(auth.RoleReviewer, "r9"), "s1", "own")
	if err != nil {
		t.Fatalf("reviewer FileRequest: %v", err)
	}
	if _, err := f.svc.Decide(ctxAs(auth.RoleReviewer, "r9"), reviewerReq.ID, true, 0); err == nil {
		t.Fatal("expected self approval error")
	}
	if got := f.store.AuditLen(); got != before+2 {
		t.Fatalf("audit entries %d, want %d", got, before+2)
	}

	entries, err := f.store.QueryAudit(context.Background(), audit.Filter{Action: "approval.decide", Limit: 10})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeDeny || entries[0].Reason != "self_approval_forbidden" {
		t.Fatalf("decide entry: %+v", entries)
	}
}
