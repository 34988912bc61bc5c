package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound covers missing dataset or sample records.
	ErrNotFound = errors.New("catalog: not found")
	// ErrBlobMissing means the sample record exists but its backing blob is
	// gone. This is corruption and is reported distinctly from ErrNotFound.
	ErrBlobMissing = errors.New("catalog: backing blob missing")
	// ErrUnsupportedMediaType rejects declared MIME types outside the
	// allow-list.
	ErrUnsupportedMediaType = errors.New("catalog: unsupported media type")
	// ErrAlreadyExists flags a dataset name collision.
	ErrAlreadyExists = errors.New("catalog: already exists")
	// ErrInvalidInput flags malformed intake parameters.
	ErrInvalidInput = errors.New("catalog: invalid input")
)

// Dataset groups samples. Visibility is scoped to the owning group and the
// record is immutable once created.
type Dataset struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	GroupID     string    `json:"group_id"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sample is a logical record pointing at a content-addressed blob. Two
// samples with identical bytes share the blob but stay distinct records.
// Samples are never mutated after creation.
type Sample struct {
	ID          string    `json:"id"`
	DatasetID   string    `json:"dataset_id"`
	Digest      string    `json:"digest"`
	DigestAlgo  string    `json:"digest_algo"`
	StoragePath string    `json:"-"`
	MIMEType    string    `json:"mime_type"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"size_bytes"`
	UploadedBy  string    `json:"uploaded_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store describes the persistence the catalog needs.
type Store interface {
	CreateDataset(ctx context.Context, d *Dataset) error
	FindDataset(ctx context.Context, id string) (*Dataset, error)
	ListDatasets(ctx context.Context, groupID string) ([]Dataset, error)

	CreateSample(ctx context.Context, s *Sample) error
	FindSample(ctx context.Context, id string) (*Sample, error)
	ListSamplesByDataset(ctx context.Context, datasetID string) ([]Sample, error)
}
