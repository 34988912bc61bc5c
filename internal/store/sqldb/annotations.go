package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"medvault.org/internal/annotation"
)

func (s *Store) CreateAnnotation(ctx context.Context, a *annotation.Annotation) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		insert into annotations (id, sample_id, author_id, payload, status, reviewer_id, created_at, reviewed_at, decided_at)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.SampleID, a.AuthorID, a.Payload, string(a.Status),
		nullString(a.ReviewerID), a.CreatedAt, nullTime(a.ReviewedAt), nullTime(a.DecidedAt))
	if err != nil {
		return wrapTimeout(err)
	}
	return nil
}

func (s *Store) FindAnnotation(ctx context.Context, id string) (*annotation.Annotation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	a, err := scanAnnotation(s.db.QueryRowContext(ctx, s.rebind(`
		select id, sample_id, author_id, payload, status, reviewer_id, created_at, reviewed_at, decided_at
		from annotations where id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, annotation.ErrNotFound
	}
	if err != nil {
		return nil, wrapTimeout(err)
	}
	return a, nil
}

func (s *Store) ListAnnotationsBySample(ctx context.Context, sampleID string) ([]annotation.Annotation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		select id, sample_id, author_id, payload, status, reviewer_id, created_at, reviewed_at, decided_at
		from annotations where sample_id = ? order by id`), sampleID)
	if err != nil {
		return nil, wrapTimeout(err)
	}
	defer rows.Close()

	var out []annotation.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// TransitionAnnotation applies the state change only when the record is
// still in `from`; a concurrent winner leaves zero rows affected and the
// caller observes ErrInvalidTransition.
func (s *Store) TransitionAnnotation(ctx context.Context, id string, from, to annotation.Status, reviewerID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	column := "decided_at"
	if to == annotation.StatusUnderReview {
		column = "reviewed_at"
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		update annotations set status = ?, reviewer_id = ?, `+column+` = ?
		where id = ? and status = ?`),
		string(to), reviewerID, at, id, string(from))
	if err != nil {
		return wrapTimeout(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, ferr := s.FindAnnotation(ctx, id); ferr != nil {
			return ferr
		}
		return annotation.ErrInvalidTransition
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (*annotation.Annotation, error) {
	var (
		a          annotation.Annotation
		status     string
		reviewer   sql.NullString
		reviewedAt sql.NullTime
		decidedAt  sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.SampleID, &a.AuthorID, &a.Payload, &status,
		&reviewer, &a.CreatedAt, &reviewedAt, &decidedAt); err != nil {
		return nil, err
	}
	a.Status = annotation.Status(status)
	a.ReviewerID = reviewer.String
	a.ReviewedAt = timePtr(reviewedAt)
	a.DecidedAt = timePtr(decidedAt)
	return &a, nil
}
