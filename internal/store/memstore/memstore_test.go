package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"medvault.org/internal/annotation"
	"medvault.org/internal/approval"
)

func TestAnnotationTransitionIsCompareAndSet(t *testing.T) {
	st := New()
	ctx := context.Background()
	a := annotation.Annotation{ID: "a1", SampleID: "s1", Status: annotation.StatusSubmitted}
	if err := st.CreateAnnotation(ctx, &a); err != nil {
		t.Fatalf("CreateAnnotation: %v", err)
	}

	at := time.Now().UTC()
	if err := st.TransitionAnnotation(ctx, "a1", annotation.StatusSubmitted, annotation.StatusUnderReview, "r1", at); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	// Same expected-from again: the record moved on, so the CAS must fail.
	err := st.TransitionAnnotation(ctx, "a1", annotation.StatusSubmitted, annotation.StatusUnderReview, "r2", at)
	if !errors.Is(err, annotation.ErrInvalidTransition) {
		t.Fatalf("stale transition: got %v", err)
	}

	got, err := st.FindAnnotation(ctx, "a1")
	if err != nil {
		t.Fatalf("FindAnnotation: %v", err)
	}
	if got.ReviewerID != "r1" || got.ReviewedAt == nil {
		t.Fatalf("record: %+v", got)
	}
}

func TestApprovalActiveSlot(t *testing.T) {
	st := New()
	ctx := context.Background()
	now := time.Now().UTC()

	first := approval.Request{ID: "q1", RequesterID: "u1", SampleID: "s1", Status: approval.StatusPending, CreatedAt: now}
	if err := st.CreateApprovalIfNoActive(ctx, &first, now); err != nil {
		t.Fatalf("first create: %v", err)
	}

	dup := approval.Request{ID: "q2", RequesterID: "u1", SampleID: "s1", Status: approval.StatusPending, CreatedAt: now}
	if err := st.CreateApprovalIfNoActive(ctx, &dup, now); !errors.Is(err, approval.ErrDuplicateActiveRequest) {
		t.Fatalf("duplicate pending: got %v", err)
	}

	// Deny frees the slot.
	if err := st.DecideApproval(ctx, "q1", approval.StatusPending, approval.StatusDenied, "r1", now, nil); err != nil {
		t.Fatalf("DecideApproval: %v", err)
	}
	if err := st.CreateApprovalIfNoActive(ctx, &dup, now); err != nil {
		t.Fatalf("after denial: %v", err)
	}

	// Approve q2; while unexpired the slot stays occupied.
	exp := now.Add(time.Hour)
	if err := st.DecideApproval(ctx, "q2", approval.StatusPending, approval.StatusApproved, "r1", now, &exp); err != nil {
		t.Fatalf("approve: %v", err)
	}
	third := approval.Request{ID: "q3", RequesterID: "u1", SampleID: "s1", Status: approval.StatusPending, CreatedAt: now}
	if err := st.CreateApprovalIfNoActive(ctx, &third, now); !errors.Is(err, approval.ErrDuplicateActiveRequest) {
		t.Fatalf("approved unexpired: got %v", err)
	}
	// Past the grant window the slot frees without an explicit expiry flip.
	if err := st.CreateApprovalIfNoActive(ctx, &third, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("past expiry: %v", err)
	}
}

func TestDecideApprovalLostRace(t *testing.T) {
	st := New()
	ctx := context.Background()
	now := time.Now().UTC()
	req := approval.Request{ID: "q1", RequesterID: "u1", SampleID: "s1", Status: approval.StatusPending, CreatedAt: now}
	if err := st.CreateApprovalIfNoActive(ctx, &req, now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.DecideApproval(ctx, "q1", approval.StatusPending, approval.StatusApproved, "r1", now, nil); err != nil {
		t.Fatalf("winner: %v", err)
	}
	err := st.DecideApproval(ctx, "q1", approval.StatusPending, approval.StatusDenied, "r2", now, nil)
	if !errors.Is(err, approval.ErrInvalidTransition) {
		t.Fatalf("loser: got %v", err)
	}
}

func TestExpireApprovalOnlyFromApproved(t *testing.T) {
	st := New()
	ctx := context.Background()
	now := time.Now().UTC()
	req := approval.Request{ID: "q1", RequesterID: "u1", SampleID: "s1", Status: approval.StatusPending, CreatedAt: now}
	if err := st.CreateApprovalIfNoActive(ctx, &req, now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.ExpireApproval(ctx, "q1", now); !errors.Is(err, approval.ErrInvalidTransition) {
		t.Fatalf("expire pending: got %v", err)
	}
	if err := st.ExpireApproval(ctx, "missing", now); !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("expire missing: got %v", err)
	}
}
