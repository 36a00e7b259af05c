package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"redditchat/internal/models"
	"redditchat/internal/storage"
)

// SQLStore keeps one quota_records row per user.
type SQLStore struct {
	db     *sql.DB
	sqlite bool
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, sqlite: storage.IsSQLite(driver)}
}

func (s *SQLStore) Load(ctx context.Context, userID string) (*models.QuotaRecord, bool, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT user_id, count, day, premium FROM quota_records WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load quota: %w", err)
	}
	return rec, true, nil
}

func (s *SQLStore) Increment(ctx context.Context, userID, day string) (*models.QuotaRecord, error) {
	upsert := `INSERT INTO quota_records (user_id, count, day, premium, updated_at)
		VALUES (?, 1, ?, 0, ?)
		ON DUPLICATE KEY UPDATE
			count = IF(day = VALUES(day), count + 1, 1),
			day = VALUES(day),
			updated_at = VALUES(updated_at)`
	if s.sqlite {
		upsert = `INSERT INTO quota_records (user_id, count, day, premium, updated_at)
		VALUES (?, 1, ?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			count = CASE WHEN quota_records.day = excluded.day THEN quota_records.count + 1 ELSE 1 END,
			day = excluded.day,
			updated_at = excluded.updated_at`
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin quota tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsert, userID, day, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("increment quota: %w", err)
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT user_id, count, day, premium FROM quota_records WHERE user_id = ?`, userID))
	if err != nil {
		return nil, fmt.Errorf("reload quota: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit quota: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) SetPremium(ctx context.Context, userID string, premium bool, day string) error {
	stmt := `INSERT INTO quota_records (user_id, count, day, premium, updated_at)
		VALUES (?, 0, ?, ?, ?)
		ON DUPLICATE KEY UPDATE premium = VALUES(premium), updated_at = VALUES(updated_at)`
	if s.sqlite {
		stmt = `INSERT INTO quota_records (user_id, count, day, premium, updated_at)
		VALUES (?, 0, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET premium = excluded.premium, updated_at = excluded.updated_at`
	}
	if _, err := s.db.ExecContext(ctx, stmt, userID, day, premium, time.Now().UTC()); err != nil {
		return fmt.Errorf("set premium: %w", err)
	}
	return nil
}

func scanRecord(row *sql.Row) (*models.QuotaRecord, error) {
	var rec models.QuotaRecord
	if err := row.Scan(&rec.UserID, &rec.Count, &rec.Date, &rec.Premium); err != nil {
		return nil, err
	}
	return &rec, nil
}
