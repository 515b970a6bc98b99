package pairstore

import (
	"context"
	"fmt"
	"time"

	"github.com/3leaps/gomatch/pkg/matching"
)

// UpsertLabel inserts or replaces the label on a pair.
func (s *Store) UpsertLabel(ctx context.Context, id matching.ID, key matching.PairKey, label matching.Label) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO training_labels (entity, layer, id_lo, id_hi, label, labeled_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity, layer, id_lo, id_hi) DO UPDATE SET
		   label = excluded.label,
		   labeled_at = excluded.labeled_at`,
		id.Entity, id.Layer, key.Lo, key.Hi, string(label), now())
	if err != nil {
		return fmt.Errorf("upsert label: %w", err)
	}
	return nil
}

// DeleteLabel removes the label on a pair. Deleting an absent label is not
// an error.
func (s *Store) DeleteLabel(ctx context.Context, id matching.ID, key matching.PairKey) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM training_labels
		 WHERE entity = ? AND layer = ? AND id_lo = ? AND id_hi = ?`,
		id.Entity, id.Layer, key.Lo, key.Hi)
	if err != nil {
		return fmt.Errorf("delete label: %w", err)
	}
	return nil
}

// Labels returns every journaled label of a job, ordered by pair.
func (s *Store) Labels(ctx context.Context, id matching.ID) ([]matching.LabeledPair, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id_lo, id_hi, label FROM training_labels
		 WHERE entity = ? AND layer = ?
		 ORDER BY id_lo, id_hi`,
		id.Entity, id.Layer)
	if err != nil {
		return nil, fmt.Errorf("query labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []matching.LabeledPair
	for rows.Next() {
		var lo, hi, label string
		if err := rows.Scan(&lo, &hi, &label); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		out = append(out, matching.LabeledPair{
			Key:   matching.PairKey{Lo: lo, Hi: hi},
			Label: matching.Label(label),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate labels: %w", err)
	}
	return out, nil
}

// Clear drops every journaled label of a job.
func (s *Store) Clear(ctx context.Context, id matching.ID) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM training_labels WHERE entity = ? AND layer = ?`,
		id.Entity, id.Layer)
	if err != nil {
		return fmt.Errorf("clear labels: %w", err)
	}
	return nil
}

// Replace rewrites a job's journal to exactly the given labels in a single
// transaction.
func (s *Store) Replace(ctx context.Context, id matching.ID, labels []matching.LabeledPair) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM training_labels WHERE entity = ? AND layer = ?`,
		id.Entity, id.Layer); err != nil {
		return fmt.Errorf("clear labels: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO training_labels (entity, layer, id_lo, id_hi, label, labeled_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	at := now()
	for _, lp := range labels {
		if _, err := stmt.ExecContext(ctx,
			id.Entity, id.Layer, lp.Key.Lo, lp.Key.Hi, string(lp.Label), at); err != nil {
			return fmt.Errorf("exec insert for %s: %w", lp.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
