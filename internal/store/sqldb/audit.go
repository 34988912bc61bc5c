package sqldb

import (
	"context"
	"database/sql"

	"medvault.org/internal/audit"
)

// AppendAudit is insert-only. There is deliberately no update or delete path
// for audit entries anywhere in this package.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		insert into audit_log (id, actor_id, action, target_type, target_id, origin, outcome, reason, occurred_at)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, nullString(e.ActorID), e.Action, e.TargetType, e.TargetID,
		e.Origin, string(e.Outcome), e.Reason, e.OccurredAt)
	if err != nil {
		return wrapTimeout(err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `select id, actor_id, action, target_type, target_id, origin, outcome, reason, occurred_at from audit_log`
	var (
		conds []string
		args  []any
	)
	if f.ActorID != "" {
		conds = append(conds, `actor_id = ?`)
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		conds = append(conds, `action like ?`)
		args = append(args, f.Action+"%")
	}
	if f.TargetType != "" {
		conds = append(conds, `target_type = ?`)
		args = append(args, f.TargetType)
	}
	if f.TargetID != "" {
		conds = append(conds, `target_id = ?`)
		args = append(args, f.TargetID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, `occurred_at >= ?`)
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		conds = append(conds, `occurred_at <= ?`)
		args = append(args, f.Until)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` where ` + c
		} else {
			query += ` and ` + c
		}
	}
	// Ordered by id: ULIDs sort by insertion, so entries never reorder even
	// on timestamp ties.
	query += ` order by id`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` limit ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrapTimeout(err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e     audit.Entry
			actor sql.NullString
		)
		if err := rows.Scan(&e.ID, &actor, &e.Action, &e.TargetType, &e.TargetID,
			&e.Origin, &e.Outcome, &e.Reason, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.ActorID = actor.String
		out = append(out, e)
	}
	return out, rows.Err()
}
