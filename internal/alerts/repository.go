package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository is the append-only alert audit log in governance.db.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Append writes one gate decision.
func (r *Repository) Append(ctx context.Context, rec Record) error {
	delivered := 0
	if rec.Delivered {
		delivered = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_log (symbol, type, level, fingerprint, message, blocked_by, delivered, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Symbol, string(rec.Type), string(rec.Level), rec.Fingerprint,
		rec.Message, string(rec.BlockedBy), delivered,
		rec.TriggeredAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append alert record: %w", err)
	}
	return nil
}

// CountSent returns the number of unblocked INFO/HIGH alerts for a symbol
// since the given instant. Drives the rolling quota.
func (r *Repository) CountSent(ctx context.Context, symbol string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alert_log
		WHERE symbol = ? AND level IN (?, ?) AND blocked_by = ? AND triggered_at >= ?`,
		symbol, string(LevelInfo), string(LevelHigh), string(BlockNone),
		since.UTC().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sent alerts: %w", err)
	}
	return n, nil
}

// SentFingerprintSince reports whether an unblocked alert with this
// fingerprint exists at or after the given instant.
func (r *Repository) SentFingerprintSince(ctx context.Context, fingerprint string, since time.Time) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alert_log
		WHERE fingerprint = ? AND blocked_by = ? AND triggered_at >= ?`,
		fingerprint, string(BlockNone), since.UTC().UnixMilli()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check alert fingerprint: %w", err)
	}
	return n > 0, nil
}

// SentTypeSince reports whether an unblocked alert of this symbol and type
// exists at or after the given instant. Drives the CRITICAL per-type
// cooldown.
func (r *Repository) SentTypeSince(ctx context.Context, symbol string, alertType Type, since time.Time) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alert_log
		WHERE symbol = ? AND type = ? AND blocked_by = ? AND triggered_at >= ?`,
		symbol, string(alertType), string(BlockNone),
		since.UTC().UnixMilli()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check alert type cooldown: %w", err)
	}
	return n > 0, nil
}

// Recent returns the latest audit records for a symbol, newest first.
func (r *Repository) Recent(ctx context.Context, symbol string, limit int) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, type, level, fingerprint, message, blocked_by, delivered, triggered_at
		FROM alert_log
		WHERE symbol = ?
		ORDER BY triggered_at DESC, id DESC
		LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert log: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var typ, level, blockedBy string
		var delivered int
		var triggeredAt int64
		if err := rows.Scan(&rec.Symbol, &typ, &level, &rec.Fingerprint,
			&rec.Message, &blockedBy, &delivered, &triggeredAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert record: %w", err)
		}
		rec.Type = Type(typ)
		rec.Level = Level(level)
		rec.BlockedBy = BlockReason(blockedBy)
		rec.Delivered = delivered == 1
		rec.TriggeredAt = time.UnixMilli(triggeredAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
