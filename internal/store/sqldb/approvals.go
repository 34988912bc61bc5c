package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"medvault.org/internal/approval"
)

// CreateApprovalIfNoActive inserts the request inside a transaction that
// first checks the one-active-request-per-(requester, sample) invariant.
// Serializable isolation makes the check-then-insert atomic on Postgres;
// SQLite's single writer gives the same guarantee.
func (s *Store) CreateApprovalIfNoActive(ctx context.Context, r *approval.Request, now time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return wrapTimeout(err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, s.rebind(`
		select id from approval_requests
		where requester_id = ? and sample_id = ?
		  and (status = ? or (status = ? and (expires_at is null or expires_at > ?)))
		limit 1`),
		r.RequesterID, r.SampleID, string(approval.StatusPending), string(approval.StatusApproved), now).
		Scan(&existing)
	if err == nil {
		return approval.ErrDuplicateActiveRequest
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return wrapTimeout(err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		insert into approval_requests (id, requester_id, sample_id, justification, status, reviewer_id, decided_at, expires_at, created_at)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.RequesterID, r.SampleID, r.Justification, string(r.Status),
		nullString(r.ReviewerID), nullTime(r.DecidedAt), nullTime(r.ExpiresAt), r.CreatedAt); err != nil {
		return wrapTimeout(err)
	}
	if err := tx.Commit(); err != nil {
		return wrapTimeout(err)
	}
	return nil
}

func (s *Store) FindApproval(ctx context.Context, id string) (*approval.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	r, err := scanApproval(s.db.QueryRowContext(ctx, s.rebind(`
		select id, requester_id, sample_id, justification, status, reviewer_id, decided_at, expires_at, created_at
		from approval_requests where id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, wrapTimeout(err)
	}
	return r, nil
}

// DecideApproval is the compare-and-set decision write: only a request still
// in `from` is updated, so exactly one of two racing decisions succeeds.
func (s *Store) DecideApproval(ctx context.Context, id string, from, to approval.Status, reviewerID string, decidedAt time.Time, expiresAt *time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		update approval_requests
		set status = ?, reviewer_id = ?, decided_at = ?, expires_at = ?
		where id = ? and status = ?`),
		string(to), reviewerID, decidedAt, nullTime(expiresAt), id, string(from))
	if err != nil {
		return wrapTimeout(err)
	}
	return s.checkTransition(ctx, res, id)
}

// ExpireApproval flips approved to expired, lazily, at use time.
func (s *Store) ExpireApproval(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		update approval_requests set status = ?
		where id = ? and status = ?`),
		string(approval.StatusExpired), id, string(approval.StatusApproved))
	if err != nil {
		return wrapTimeout(err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, ferr := s.FindApproval(ctx, id); ferr != nil {
			return ferr
		}
		return approval.ErrInvalidTransition
	}
	return nil
}

func (s *Store) ListApprovals(ctx context.Context, status approval.Status, requesterID string) ([]approval.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `select id, requester_id, sample_id, justification, status, reviewer_id, decided_at, expires_at, created_at
		from approval_requests`
	var (
		conds []string
		args  []any
	)
	if status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, string(status))
	}
	if requesterID != "" {
		conds = append(conds, `requester_id = ?`)
		args = append(args, requesterID)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` where ` + c
		} else {
			query += ` and ` + c
		}
	}
	query += ` order by id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrapTimeout(err)
	}
	defer rows.Close()

	var out []approval.Request
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (*approval.Request, error) {
	var (
		r         approval.Request
		status    string
		reviewer  sql.NullString
		decidedAt sql.NullTime
		expiresAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.RequesterID, &r.SampleID, &r.Justification, &status,
		&reviewer, &decidedAt, &expiresAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Status = approval.Status(status)
	r.ReviewerID = reviewer.String
	r.DecidedAt = timePtr(decidedAt)
	r.ExpiresAt = timePtr(expiresAt)
	return &r, nil
}
