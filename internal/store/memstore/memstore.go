// Package memstore implements every store interface in process memory. It is
// the dev and test backend; a single mutex gives it the same atomicity the
// SQL store gets from conditional updates.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"medvault.org/internal/annotation"
	"medvault.org/internal/approval"
	"medvault.org/internal/audit"
	"medvault.org/internal/auth"
	"medvault.org/internal/catalog"
)

// Store holds all records behind one mutex.
type Store struct {
	mu sync.RWMutex

	users       map[string]*auth.User
	usersByName map[string]string

	datasets map[string]*catalog.Dataset
	samples  map[string]*catalog.Sample

	annotations map[string]*annotation.Annotation
	approvals   map[string]*approval.Request

	auditLog []audit.Entry
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]*auth.User),
		usersByName: make(map[string]string),
		datasets:    make(map[string]*catalog.Dataset),
		samples:     make(map[string]*catalog.Sample),
		annotations: make(map[string]*annotation.Annotation),
		approvals:   make(map[string]*approval.Request),
	}
}

// --- auth.Store ---

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByName[u.Username]; ok {
		return auth.ErrAlreadyExists
	}
	cp := *u
	s.users[u.ID] = &cp
	s.usersByName[u.Username] = u.ID
	return nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByName[username]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) UpdateUserRole(ctx context.Context, id string, role auth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.Role = role
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateUserStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// --- catalog.Store ---

func (s *Store) CreateDataset(ctx context.Context, d *catalog.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.datasets {
		if existing.Name == d.Name {
			return catalog.ErrAlreadyExists
		}
	}
	cp := *d
	s.datasets[d.ID] = &cp
	return nil
}

func (s *Store) FindDataset(ctx context.Context, id string) (*catalog.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListDatasets(ctx context.Context, groupID string) ([]catalog.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.Dataset
	for _, d := range s.datasets {
		if groupID != "" && d.GroupID != groupID {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateSample(ctx context.Context, sm *catalog.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sm
	s.samples[sm.ID] = &cp
	return nil
}

func (s *Store) FindSample(ctx context.Context, id string) (*catalog.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.samples[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *sm
	return &cp, nil
}

func (s *Store) ListSamplesByDataset(ctx context.Context, datasetID string) ([]catalog.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.Sample
	for _, sm := range s.samples {
		if sm.DatasetID == datasetID {
			out = append(out, *sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- annotation.Store ---

func (s *Store) CreateAnnotation(ctx context.Context, a *annotation.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.annotations[a.ID] = &cp
	return nil
}

func (s *Store) FindAnnotation(ctx context.Context, id string) (*annotation.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.annotations[id]
	if !ok {
		return nil, annotation.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAnnotationsBySample(ctx context.Context, sampleID string) ([]annotation.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []annotation.Annotation
	for _, a := range s.annotations {
		if a.SampleID == sampleID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TransitionAnnotation(ctx context.Context, id string, from, to annotation.Status, reviewerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.annotations[id]
	if !ok {
		return annotation.ErrNotFound
	}
	// Compare-and-set: the caller observed `from`; if the record moved on
	// since, the caller lost the race.
	if a.Status != from {
		return annotation.ErrInvalidTransition
	}
	a.Status = to
	a.ReviewerID = reviewerID
	switch to {
	case annotation.StatusUnderReview:
		a.ReviewedAt = &at
	case annotation.StatusAccepted, annotation.StatusRejected:
		a.DecidedAt = &at
	}
	return nil
}

// --- approval.Store ---

func (s *Store) CreateApprovalIfNoActive(ctx context.Context, r *approval.Request, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.approvals {
		if existing.RequesterID == r.RequesterID && existing.SampleID == r.SampleID && existing.Active(now) {
			return approval.ErrDuplicateActiveRequest
		}
	}
	cp := *r
	s.approvals[r.ID] = &cp
	return nil
}

func (s *Store) FindApproval(ctx context.Context, id string) (*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.approvals[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) DecideApproval(ctx context.Context, id string, from, to approval.Status, reviewerID string, decidedAt time.Time, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.approvals[id]
	if !ok {
		return approval.ErrNotFound
	}
	if r.Status != from {
		return approval.ErrInvalidTransition
	}
	r.Status = to
	r.ReviewerID = reviewerID
	r.DecidedAt = &decidedAt
	r.ExpiresAt = expiresAt
	return nil
}

func (s *Store) ExpireApproval(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.approvals[id]
	if !ok {
		return approval.ErrNotFound
	}
	if r.Status != approval.StatusApproved {
		return approval.ErrInvalidTransition
	}
	r.Status = approval.StatusExpired
	return nil
}

func (s *Store) ListApprovals(ctx context.Context, status approval.Status, requesterID string) ([]approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []approval.Request
	for _, r := range s.approvals {
		if status != "" && r.Status != status {
			continue
		}
		if requesterID != "" && r.RequesterID != requesterID {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- audit.Store ---

func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, *e)
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.auditLog {
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Action != "" && !strings.HasPrefix(e.Action, f.Action) {
			continue
		}
		if f.TargetType != "" && e.TargetType != f.TargetType {
			continue
		}
		if f.TargetID != "" && e.TargetID != f.TargetID {
			continue
		}
		if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.OccurredAt.After(f.Until) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// AuditLen reports the number of recorded entries, for tests.
func (s *Store) AuditLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.auditLog)
}
