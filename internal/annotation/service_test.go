package annotation_test

import (
	"context"
	"errors"
	"testing"

	"medvault.org/internal/annotation"
	"medvault.org/internal/audit"
	"medvault.org/internal/auth"
	"medvault.org/internal/catalog"
	"medvault.org/internal/store/memstore"
)

type stubSamples map[string]catalog.Sample

func (s stubSamples) Sample(ctx context.Context, id string) (catalog.Sample, error) {
	sm, ok := s[id]
	if !ok {
		return catalog.Sample{}, catalog.ErrNotFound
	}
	return sm, nil
}

func newService(t *testing.T) (*annotation.Service, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	samples := stubSamples{"s1": {ID: "s1", DatasetID: "d1"}}
	svc, err := annotation.NewService(st, samples, audit.NewRecorder(st))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, st
}

func ctxAs(role auth.Role, userID string) context.Context {
	return auth.ContextWithPrincipal(context.Background(),
		auth.Principal{UserID: userID, Role: role})
}

func TestSubmitRequiresRole(t *testing.T) {
	svc, _ := newService(t)

	if _, err := svc.Submit(context.Background(), "s1", "lesion at 12mm"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("anonymous: got %v", err)
	}
	if _, err := svc.Submit(ctxAs(auth.RoleViewer, "v1"), "s1", "lesion at 12mm"); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("viewer: got %v", err)
	}
	if _, err := svc.Submit(ctxAs(auth.RoleUploader, "u1"), "s1", "lesion at 12mm"); err != nil {
		t.Fatalf("uploader: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Submit(ctxAs(auth.RoleUploader, "u1"), "s1", "   "); !errors.Is(err, annotation.ErrInvalidInput) {
		t.Fatalf("blank payload: got %v", err)
	}
	if _, err := svc.Submit(ctxAs(auth.RoleUploader, "u1"), "missing", "x"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("unknown sample: got %v", err)
	}
}

func TestLifecycleAccept(t *testing.T) {
	svc, _ := newService(t)
	uploaderCtx := ctxAs(auth.RoleUploader, "u1")
	reviewerCtx := ctxAs(auth.RoleReviewer, "r1")

	a, err := svc.Submit(uploaderCtx, "s1", "calcification upper left")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.Status != annotation.StatusSubmitted || a.AuthorID != "u1" {
		t.Fatalf("submitted: %+v", a)
	}

	a, err = svc.BeginReview(reviewerCtx, a.ID)
	if err != nil {
		t.Fatalf("BeginReview: %v", err)
	}
	if a.Status != annotation.StatusUnderReview || a.ReviewerID != "r1" || a.ReviewedAt == nil {
		t.Fatalf("under review: %+v", a)
	}

	a, err = svc.Decide(reviewerCtx, a.ID, true)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if a.Status != annotation.StatusAccepted || a.DecidedAt == nil {
		t.Fatalf("accepted: %+v", a)
	}
}

func TestLifecycleReject(t *testing.T) {
	svc, _ := newService(t)
	a, err := svc.Submit(ctxAs(auth.RoleUploader, "u1"), "s1", "artifact, not a finding")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	reviewerCtx := ctxAs(auth.RoleReviewer, "r1")
	if _, err := svc.BeginReview(reviewerCtx, a.ID); err != nil {
		t.Fatalf("BeginReview: %v", err)
	}
	a, err = svc.Decide(reviewerCtx, a.ID, false)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if a.Status != annotation.StatusRejected {
		t.Fatalf("got %s, want rejected", a.Status)
	}
}

func TestDecideBeforeReviewFails(t *testing.T) {
	svc, _ := newService(t)
	a, err := svc.Submit(ctxAs(auth.RoleUploader, "u1"), "s1", "finding")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Decide(ctxAs(auth.RoleReviewer, "r1"), a.ID, true); !errors.Is(err, annotation.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	svc, _ := newService(t)
	reviewerCtx := ctxAs(auth.RoleReviewer, "r1")
	a, err := svc.Submit(ctxAs(auth.RoleUploader, "u1"), "s1", "finding")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.BeginReview(reviewerCtx, a.ID); err != nil {
		t.Fatalf("BeginReview: %v", err)
	}
	if _, err := svc.Decide(reviewerCtx, a.ID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if _, err := svc.Decide(reviewerCtx, a.ID, false); !errors.Is(err, annotation.ErrInvalidTransition) {
		t.Fatalf("decide on accepted: got %v", err)
	}
	if _, err := svc.BeginReview(reviewerCtx, a.ID); !errors.Is(err, annotation.ErrInvalidTransition) {
		t.Fatalf("review on accepted: got %v", err)
	}
}

func TestTransitionsRequireReviewer(t *testing.T) {
	svc, _ := newService(t)
	a, err := svc.Submit(ctxAs(auth.RoleUploader, "u1"), "s1", "finding")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.BeginReview(ctxAs(auth.RoleUploader, "u1"), a.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("uploader review: got %v", err)
	}
	if _, err := svc.Decide(ctxAs(auth.RoleViewer, "v1"), a.ID, true); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("viewer decide: got %v", err)
	}
}

func TestConcurrentDecideExactlyOneWins(t *testing.T) {
	svc, _ := newService(t)
	reviewerCtx := ctxAs(auth.RoleReviewer, "r1")
	a, err := svc.Submit(ctxAs(auth.RoleUploader, "u1"), "s1", "finding")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.BeginReview(reviewerCtx, a.ID); err != nil {
		t.Fatalf("BeginReview: %v", err)
	}

	errs := make(chan error, 2)
	go func() {
		_, err := svc.Decide(reviewerCtx, a.ID, true)
		errs <- err
	}()
	go func() {
		_, err := svc.Decide(ctxAs(auth.RoleReviewer, "r2"), a.ID, false)
		errs <- err
	}()

	var wins, losses int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			wins++
		case errors.Is(err, annotation.ErrInvalidTransition):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one winner", wins, losses)
	}
}

func TestListBySample(t *testing.T) {
	svc, _ := newService(t)
	uploaderCtx := ctxAs(auth.RoleUploader, "u1")
	for _, payload := range []string{"first", "second"} {
		if _, err := svc.Submit(uploaderCtx, "s1", payload); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	items, err := svc.List(ctxAs(auth.RoleViewer, "v1"), "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d annotations, want 2", len(items))
	}
	if items[0].CreatedAt.After(items[1].CreatedAt) {
		t.Fatal("annotations out of order")
	}
}

func TestEachTransitionWritesOneAuditEntry(t *testing.T) {
	svc, st := newService(t)
	reviewerCtx := ctxAs(auth.RoleReviewer, "r1")

	a, err := svc.Submit(ctxAs(auth.RoleUploader, "u1"), "s1", "finding")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n := st.AuditLen(); n != 1 {
		t.Fatalf("after submit: %d entries", n)
	}
	if _, err := svc.BeginReview(reviewerCtx, a.ID); err != nil {
		t.Fatalf("BeginReview: %v", err)
	}
	if _, err := svc.Decide(reviewerCtx, a.ID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if n := st.AuditLen(); n != 3 {
		t.Fatalf("after lifecycle: %d entries, want 3", n)
	}
}
