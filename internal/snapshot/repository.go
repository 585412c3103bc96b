// Package snapshot implements the append-only forecast snapshot store and
// the daily snapshot writer.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foresight/internal/domain"
)

// Repository persists forecast snapshots in forecast.db. Snapshots are
// immutable after insert except for the one-shot PENDING -> RESOLVED
// transition, which is enforced here with a compare-and-set update.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const snapshotColumns = `
	fingerprint, symbol, horizon, preset, role, policy_hash, engine_version,
	created_at, resolve_at, start_price, target_price, expected_move_pct,
	direction, confidence, status, real_price, result, deviation, resolved_at`

// Put inserts a snapshot if its fingerprint is absent. Returns true when the
// row was inserted, false when an identical-keyed snapshot already existed.
// The existing row is never touched on conflict.
func (r *Repository) Put(ctx context.Context, s *domain.ForecastSnapshot) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(fingerprint, symbol, horizon, preset, role, policy_hash, engine_version,
			 created_at, resolve_at, start_price, target_price, expected_move_pct,
			 direction, confidence, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING`,
		s.Fingerprint, s.Symbol, s.Horizon, string(s.Preset), string(s.Role),
		s.PolicyHash, s.EngineVersion,
		s.CreatedAt.UTC().UnixMilli(), s.ResolveAt.UTC().UnixMilli(),
		s.StartPrice, s.TargetPrice, s.ExpectedMovePct,
		string(s.Direction), s.Confidence, string(domain.StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to insert snapshot: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected == 1, nil
}

// Get returns a snapshot by fingerprint.
func (r *Repository) Get(ctx context.Context, fingerprint string) (*domain.ForecastSnapshot, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT"+snapshotColumns+" FROM snapshots WHERE fingerprint = ?", fingerprint)

	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, fingerprint)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListPending returns PENDING snapshots whose resolve_at has passed, oldest
// due first, capped at limit. This is the tracker's work queue.
func (r *Repository) ListPending(ctx context.Context, asOf time.Time, limit int) ([]*domain.ForecastSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+snapshotColumns+`
		FROM snapshots
		WHERE status = ? AND resolve_at <= ?
		ORDER BY resolve_at ASC
		LIMIT ?`,
		string(domain.StatusPending), asOf.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// Resolve performs the single PENDING -> RESOLVED transition with a
// compare-and-set on status. Returns domain.ErrAlreadyResolved when the
// snapshot exists but is no longer pending, domain.ErrSnapshotNotFound when
// it does not exist.
func (r *Repository) Resolve(ctx context.Context, fingerprint string, eval domain.Evaluation) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE snapshots
		SET status = ?, real_price = ?, result = ?, deviation = ?, resolved_at = ?
		WHERE fingerprint = ? AND status = ?`,
		string(domain.StatusResolved), eval.RealPrice, string(eval.Result),
		eval.Deviation, eval.ResolvedAt.UTC().UnixMilli(),
		fingerprint, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to resolve snapshot: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read resolve result: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM snapshots WHERE fingerprint = ?", fingerprint).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check snapshot existence: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, fingerprint)
	}
	return fmt.Errorf("%w: %s", domain.ErrAlreadyResolved, fingerprint)
}

// List returns snapshots for a symbol, newest first, capped at limit.
// An empty symbol lists across all symbols.
func (r *Repository) List(ctx context.Context, symbol string, limit int) ([]*domain.ForecastSnapshot, error) {
	query := "SELECT" + snapshotColumns + " FROM snapshots"
	args := []interface{}{}
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// ListResolvedMissingOutcome returns RESOLVED snapshots with no matching
// outcome row. Used for orphan repair when a crash lands between the
// snapshot update and the outcome insert.
func (r *Repository) ListResolvedMissingOutcome(ctx context.Context, limit int) ([]*domain.ForecastSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+snapshotColumns+`
		FROM snapshots s
		WHERE s.status = ?
		  AND NOT EXISTS (SELECT 1 FROM outcomes o WHERE o.snapshot_ref = s.fingerprint)
		ORDER BY s.resolved_at ASC
		LIMIT ?`,
		string(domain.StatusResolved), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// CountByStatus returns the number of snapshots in a status.
func (r *Repository) CountByStatus(ctx context.Context, status domain.EvaluationStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM snapshots WHERE status = ?", string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*domain.ForecastSnapshot, error) {
	var s domain.ForecastSnapshot
	var preset, role, direction, status string
	var createdAt, resolveAt int64
	var realPrice, deviation sql.NullFloat64
	var result sql.NullString
	var resolvedAt sql.NullInt64

	err := row.Scan(
		&s.Fingerprint, &s.Symbol, &s.Horizon, &preset, &role,
		&s.PolicyHash, &s.EngineVersion, &createdAt, &resolveAt,
		&s.StartPrice, &s.TargetPrice, &s.ExpectedMovePct,
		&direction, &s.Confidence, &status,
		&realPrice, &result, &deviation, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	s.Preset = domain.Preset(preset)
	s.Role = domain.Role(role)
	s.Direction = domain.Direction(direction)
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.ResolveAt = time.UnixMilli(resolveAt).UTC()
	s.Status.State = domain.EvaluationStatus(status)
	if realPrice.Valid {
		s.Status.RealPrice = realPrice.Float64
	}
	if result.Valid {
		s.Status.Result = domain.Result(result.String)
	}
	if deviation.Valid {
		s.Status.Deviation = deviation.Float64
	}
	if resolvedAt.Valid {
		s.Status.ResolvedAt = time.UnixMilli(resolvedAt.Int64).UTC()
	}
	return &s, nil
}

func scanSnapshots(rows *sql.Rows) ([]*domain.ForecastSnapshot, error) {
	var snapshots []*domain.ForecastSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}
	return snapshots, nil
}
