// Package quota meters chat turns per user and calendar day.
package quota

import (
	"context"
	"errors"
	"strings"
	"time"

	"redditchat/internal/models"
)

const (
	// DateLayout is the calendar-day key stored with every record.
	DateLayout = "Mon Jan 02 2006"
	// DefaultDailyLimit is the number of turns a non-premium user gets per day.
	DefaultDailyLimit = 10
)

// ErrUserRequired is returned for a blank user id.
var ErrUserRequired = errors.New("user id required")

// Store persists quota records. Increment must be atomic per user: it resets
// the count to 1 when the stored day differs from day, otherwise adds one.
type Store interface {
	Load(ctx context.Context, userID string) (*models.QuotaRecord, bool, error)
	Increment(ctx context.Context, userID, day string) (*models.QuotaRecord, error)
	SetPremium(ctx context.Context, userID string, premium bool, day string) error
}

// DayFunc returns the current calendar-day key.
type DayFunc func() string

// DayIn builds a DayFunc for the given location.
func DayIn(loc *time.Location) DayFunc {
	if loc == nil {
		loc = time.Local
	}
	return func() string {
		return time.Now().In(loc).Format(DateLayout)
	}
}

// Service applies the daily limit on top of a Store.
type Service struct {
	store Store
	limit int
	today DayFunc
}

func NewService(store Store, limit int, today DayFunc) *Service {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	if today == nil {
		today = DayIn(time.Local)
	}
	return &Service{store: store, limit: limit, today: today}
}

// Limit returns the configured daily limit.
func (s *Service) Limit() int {
	return s.limit
}

// Today returns the current day key.
func (s *Service) Today() string {
	return s.today()
}

// Get returns the user's record for today. A missing or stale record reads as
// a zero count; the reset is not persisted.
func (s *Service) Get(ctx context.Context, userID string) (*models.QuotaRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserRequired
	}
	day := s.today()
	rec, found, err := s.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return &models.QuotaRecord{UserID: userID, Date: day}, nil
	}
	if rec.Date != day {
		return &models.QuotaRecord{UserID: userID, Date: day, Premium: rec.Premium}, nil
	}
	return rec, nil
}

// Increment counts one turn for today and returns the updated record.
func (s *Service) Increment(ctx context.Context, userID string) (*models.QuotaRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserRequired
	}
	return s.store.Increment(ctx, userID, s.today())
}

// IsOverLimit reports whether the user has exhausted today's turns.
func (s *Service) IsOverLimit(ctx context.Context, userID string) (bool, error) {
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return !rec.Premium && rec.Count >= s.limit, nil
}

// SetPremium flips the unlimited override, creating the record if needed.
func (s *Service) SetPremium(ctx context.Context, userID string, premium bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserRequired
	}
	return s.store.SetPremium(ctx, userID, premium, s.today())
}

// Remaining is the number of turns left today, never negative.
func (s *Service) Remaining(rec *models.QuotaRecord) int {
	if rec == nil {
		return s.limit
	}
	if left := s.limit - rec.Count; left > 0 {
		return left
	}
	return 0
}
