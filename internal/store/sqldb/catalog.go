package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"medvault.org/internal/catalog"
)

func (s *Store) CreateDataset(ctx context.Context, d *catalog.Dataset) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		insert into datasets (id, name, description, group_id, created_by, created_at)
		values (?, ?, ?, ?, ?, ?)`),
		d.ID, d.Name, d.Description, d.GroupID, d.CreatedBy, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return catalog.ErrAlreadyExists
		}
		return wrapTimeout(err)
	}
	return nil
}

func (s *Store) FindDataset(ctx context.Context, id string) (*catalog.Dataset, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var d catalog.Dataset
	err := s.db.QueryRowContext(ctx, s.rebind(`
		select id, name, description, group_id, created_by, created_at
		from datasets where id = ?`), id).
		Scan(&d.ID, &d.Name, &d.Description, &d.GroupID, &d.CreatedBy, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, wrapTimeout(err)
	}
	return &d, nil
}

func (s *Store) ListDatasets(ctx context.Context, groupID string) ([]catalog.Dataset, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `select id, name, description, group_id, created_by, created_at from datasets`
	var args []any
	if groupID != "" {
		query += ` where group_id = ?`
		args = append(args, groupID)
	}
	query += ` order by id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrapTimeout(err)
	}
	defer rows.Close()

	var out []catalog.Dataset
	for rows.Next() {
		var d catalog.Dataset
		if err := rows.Scan(&d.ID, &d.Name, &d.Description, &d.GroupID, &d.CreatedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CreateSample(ctx context.Context, sm *catalog.Sample) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		insert into samples (id, dataset_id, digest, digest_algo, storage_path, mime_type, filename, size_bytes, uploaded_by, created_at)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sm.ID, sm.DatasetID, sm.Digest, sm.DigestAlgo, sm.StoragePath, sm.MIMEType,
		sm.Filename, sm.SizeBytes, sm.UploadedBy, sm.CreatedAt)
	if err != nil {
		return wrapTimeout(err)
	}
	return nil
}

func (s *Store) FindSample(ctx context.Context, id string) (*catalog.Sample, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var sm catalog.Sample
	err := s.db.QueryRowContext(ctx, s.rebind(`
		select id, dataset_id, digest, digest_algo, storage_path, mime_type, filename, size_bytes, uploaded_by, created_at
		from samples where id = ?`), id).
		Scan(&sm.ID, &sm.DatasetID, &sm.Digest, &sm.DigestAlgo, &sm.StoragePath,
			&sm.MIMEType, &sm.Filename, &sm.SizeBytes, &sm.UploadedBy, &sm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, wrapTimeout(err)
	}
	return &sm, nil
}

func (s *Store) ListSamplesByDataset(ctx context.Context, datasetID string) ([]catalog.Sample, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		select id, dataset_id, digest, digest_algo, storage_path, mime_type, filename, size_bytes, uploaded_by, created_at
		from samples where dataset_id = ? order by id`), datasetID)
	if err != nil {
		return nil, wrapTimeout(err)
	}
	defer rows.Close()

	var out []catalog.Sample
	for rows.Next() {
		var sm catalog.Sample
		if err := rows.Scan(&sm.ID, &sm.DatasetID, &sm.Digest, &sm.DigestAlgo, &sm.StoragePath,
			&sm.MIMEType, &sm.Filename, &sm.SizeBytes, &sm.UploadedBy, &sm.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}
