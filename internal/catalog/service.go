package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"medvault.org/internal/audit"
	"medvault.org/internal/auth"
	"medvault.org/internal/blob"
	"medvault.org/internal/ids"
	"medvault.org/internal/obs"
)

// UserDirectory is the slice of the identity store the catalog needs for
// group scoping.
type UserDirectory interface {
	FindUser(ctx context.Context, id string) (*auth.User, error)
}

// Service implements dataset management and content-addressed sample intake.
type Service struct {
	store       Store
	blobs       *blob.Store
	users       UserDirectory
	rec         *audit.Recorder
	allowedMIME map[string]struct{}
	now         func() time.Time
}

// NewService wires the catalog.
func NewService(store Store, blobs *blob.Store, users UserDirectory, rec *audit.Recorder, mimeAllowList []string) (*Service, error) {
	if store == nil || blobs == nil || users == nil {
		return nil, errors.New("catalog: store, blob store and user directory are required")
	}
	allowed := make(map[string]struct{}, len(mimeAllowList))
	for _, m := range mimeAllowList {
		allowed[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}
	return &Service{
		store:       store,
		blobs:       blobs,
		users:       users,
		rec:         rec,
		allowedMIME: allowed,
		now:         time.Now,
	}, nil
}

// CreateDataset registers a dataset owned by the caller's group.
// Uploader or admin only.
func (s *Service) CreateDataset(ctx context.Context, name, description string) (Dataset, error) {
	p, err := auth.RequireRole(ctx, auth.RoleUploader, auth.RoleAdmin)
	if err != nil {
		s.audit(ctx, "", "dataset.create", "dataset", name, err)
		return Dataset{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 128 {
		err = fmt.Errorf("%w: dataset name is required", ErrInvalidInput)
		s.audit(ctx, p.UserID, "dataset.create", "dataset", name, err)
		return Dataset{}, err
	}
	creator, err := s.users.FindUser(ctx, p.UserID)
	if err != nil {
		s.audit(ctx, p.UserID, "dataset.create", "dataset", name, err)
		return Dataset{}, err
	}
	d := Dataset{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(description),
		GroupID:     creator.GroupID,
		CreatedBy:   p.UserID,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateDataset(ctx, &d); err != nil {
		s.audit(ctx, p.UserID, "dataset.create", "dataset", name, err)
		return Dataset{}, err
	}
	s.audit(ctx, p.UserID, "dataset.create", "dataset", d.ID, nil)
	return d, nil
}

// ListDatasets returns datasets visible to the caller: the caller's group,
// or everything for admins.
func (s *Service) ListDatasets(ctx context.Context) ([]Dataset, error) {
	p, err := auth.RequireAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	if p.Role == auth.RoleAdmin {
		return s.store.ListDatasets(ctx, "")
	}
	caller, err := s.users.FindUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	return s.store.ListDatasets(ctx, caller.GroupID)
}

// GetDataset returns a dataset if the caller may see it.
func (s *Service) GetDataset(ctx context.Context, id string) (Dataset, error) {
	p, err := auth.RequireAuthenticated(ctx)
	if err != nil {
		return Dataset{}, err
	}
	d, err := s.store.FindDataset(ctx, id)
	if err != nil {
		return Dataset{}, err
	}
	if err := s.checkGroupVisibility(ctx, p, d.GroupID); err != nil {
		return Dataset{}, err
	}
	return *d, nil
}

// PutSample ingests bytes into a dataset. The declared MIME type must be in
// the allow-list; the digest is computed over the full content; identical
// bytes reuse the existing physical blob but still create a new logical
// sample record.
func (s *Service) PutSample(ctx context.Context, datasetID, filename, declaredMIME string, r io.Reader) (Sample, error) {
	p, err := auth.RequireRole(ctx, auth.RoleUploader, auth.RoleAdmin)
	if err != nil {
		s.audit(ctx, "", "sample.put", "dataset", datasetID, err)
		return Sample{}, err
	}
	sample, err := s.putSample(ctx, p, datasetID, filename, declaredMIME, r)
	if err != nil {
		obs.SampleUploadsTotal.WithLabelValues("rejected").Inc()
		s.audit(ctx, p.UserID, "sample.put", "dataset", datasetID, err)
		return Sample{}, err
	}
	s.audit(ctx, p.UserID, "sample.put", "sample", sample.ID, nil)
	return sample, nil
}

func (s *Service) putSample(ctx context.Context, p auth.Principal, datasetID, filename, declaredMIME string, r io.Reader) (Sample, error) {
	declaredMIME = strings.ToLower(strings.TrimSpace(declaredMIME))
	if _, ok := s.allowedMIME[declaredMIME]; !ok {
		return Sample{}, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, declaredMIME)
	}
	d, err := s.store.FindDataset(ctx, datasetID)
	if err != nil {
		return Sample{}, err
	}
	if err := s.checkGroupVisibility(ctx, p, d.GroupID); err != nil {
		return Sample{}, err
	}

	res, err := s.blobs.Put(ctx, r)
	if err != nil {
		return Sample{}, err
	}
	if res.Existed {
		obs.SampleUploadsTotal.WithLabelValues("deduplicated").Inc()
	} else {
		obs.SampleUploadsTotal.WithLabelValues("stored").Inc()
	}

	path, _ := s.blobs.Path(res.Digest)
	sample := Sample{
		ID:          ids.New(),
		DatasetID:   d.ID,
		Digest:      res.Digest,
		DigestAlgo:  string(s.blobs.Algo()),
		StoragePath: path,
		MIMEType:    declaredMIME,
		Filename:    strings.TrimSpace(filename),
		SizeBytes:   res.Size,
		UploadedBy:  p.UserID,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateSample(ctx, &sample); err != nil {
		return Sample{}, err
	}
	return sample, nil
}

// GetSample returns sample metadata, group-scoped.
func (s *Service) GetSample(ctx context.Context, id string) (Sample, error) {
	p, err := auth.RequireAuthenticated(ctx)
	if err != nil {
		return Sample{}, err
	}
	sample, err := s.store.FindSample(ctx, id)
	if err != nil {
		return Sample{}, err
	}
	d, err := s.store.FindDataset(ctx, sample.DatasetID)
	if err != nil {
		return Sample{}, err
	}
	if err := s.checkGroupVisibility(ctx, p, d.GroupID); err != nil {
		return Sample{}, err
	}
	return *sample, nil
}

// ListSamples lists a dataset's samples, group-scoped.
func (s *Service) ListSamples(ctx context.Context, datasetID string) ([]Sample, error) {
	if _, err := s.GetDataset(ctx, datasetID); err != nil {
		return nil, err
	}
	return s.store.ListSamplesByDataset(ctx, datasetID)
}

// OpenSample streams the sample's bytes. Authorization is the caller's
// concern (admin access or a verified download grant); this method only
// resolves the record and its blob. A present record with an absent blob is
// corruption and is reported as ErrBlobMissing.
func (s *Service) OpenSample(ctx context.Context, id string) (Sample, io.ReadCloser, error) {
	sample, err := s.store.FindSample(ctx, id)
	if err != nil {
		return Sample{}, nil, err
	}
	rc, err := s.blobs.Open(ctx, sample.Digest)
	if err != nil {
		if errors.Is(err, blob.ErrMissing) {
			return Sample{}, nil, fmt.Errorf("%w: sample %s digest %s", ErrBlobMissing, sample.ID, sample.Digest)
		}
		return Sample{}, nil, err
	}
	return *sample, rc, nil
}

// Sample resolves sample metadata without a role gate, for internal
// collaborators such as the approval engine.
func (s *Service) Sample(ctx context.Context, id string) (Sample, error) {
	sample, err := s.store.FindSample(ctx, id)
	if err != nil {
		return Sample{}, err
	}
	return *sample, nil
}

// DigestExists is the pure existence check used before granting a download.
func (s *Service) DigestExists(ctx context.Context, digest string) (bool, error) {
	return s.blobs.Exists(ctx, digest)
}

func (s *Service) checkGroupVisibility(ctx context.Context, p auth.Principal, groupID string) error {
	if p.Role == auth.RoleAdmin {
		return nil
	}
	caller, err := s.users.FindUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	if caller.GroupID != groupID {
		return auth.ErrForbidden
	}
	return nil
}

func (s *Service) audit(ctx context.Context, actor, action, targetType, targetID string, err error) {
	s.rec.Record(ctx, audit.Entry{
		ActorID:    actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Outcome:    outcomeFor(err),
		Reason:     reasonFor(err),
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
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBlobMissing):
		return "blob_missing"
	case errors.Is(err, ErrUnsupportedMediaType):
		return "unsupported_media_type"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, blob.ErrStorageIO):
		return "storage_io"
	default:
		return "error"
	}
}
