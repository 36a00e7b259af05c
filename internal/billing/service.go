// Package billing is the mocked subscription flow: a fixed catalog and an
// order lifecycle that never reaches a payment gateway. Marking an order paid
// grants the buyer unlimited quota.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"redditchat/internal/models"
)

// StaticQRCodePath is the placeholder payment image served by the frontend.
const StaticQRCodePath = "/images/payment-qr.jpg"

var (
	ErrUnknownProduct = errors.New("unknown product")
	ErrOrderNotFound  = fmt.Errorf("order not found: %w", sql.ErrNoRows)
	ErrOrderClosed    = errors.New("order is no longer payable")
)

// Product is a subscription tier. Price is in cents.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
}

var catalog = []Product{
	{ID: "premium_monthly", Name: "Monthly membership", Description: "Unlimited messages for one month", Price: 1990},
	{ID: "premium_yearly", Name: "Yearly membership", Description: "Unlimited messages for one year", Price: 19900},
	{ID: "premium_lifetime", Name: "Lifetime membership", Description: "Unlimited messages, forever", Price: 29900},
}

// Products returns the catalog in display order.
func Products() []Product {
	return append([]Product(nil), catalog...)
}

// LookupProduct finds a catalog entry by id.
func LookupProduct(id string) (Product, bool) {
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

// PremiumGranter flips a user's premium flag.
type PremiumGranter interface {
	SetPremium(ctx context.Context, userID string, premium bool) error
}

type Service struct {
	db      *sql.DB
	premium PremiumGranter
	ttl     time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// NewService creates the order service. Pending orders older than ttl are
// closed by ExpirePending.
func NewService(db *sql.DB, premium PremiumGranter, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{
		db:      db,
		premium: premium,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.With("component", "billing"),
	}
}

// CreateOrder opens a pending order for the product.
func (s *Service) CreateOrder(ctx context.Context, productID, userID string) (*models.Order, error) {
	product, ok := LookupProduct(strings.TrimSpace(productID))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
	}
	order := &models.Order{
		ID:          "ORDER_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		UserID:      strings.TrimSpace(userID),
		ProductID:   product.ID,
		ProductName: product.Name,
		Amount:      product.Price,
		Status:      models.OrderPending,
		CreatedAt:   s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, product_id, product_name, amount, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.UserID, order.ProductID, order.ProductName, order.Amount, order.Status, order.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	s.log.Info("order created", "order", order.ID, "product", order.ProductID, "user", order.UserID)
	return order, nil
}

// GetOrder loads an order by id.
func (s *Service) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, s.db, id)
}

// MarkPaid settles a pending order and grants premium to its user. Paying an
// already paid order is a no-op.
func (s *Service) MarkPaid(ctx context.Context, id string) (*models.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin order tx: %w", err)
	}
	defer tx.Rollback()

	order, err := getOrder(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case models.OrderPaid:
		return order, nil
	case models.OrderExpired:
		return nil, ErrOrderClosed
	}

	paidAt := s.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, paid_at = ? WHERE id = ? AND status = ?`,
		models.OrderPaid, paidAt, id, models.OrderPending); err != nil {
		return nil, fmt.Errorf("mark order paid: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit order: %w", err)
	}
	order.Status = models.OrderPaid
	order.PaidAt = &paidAt

	if order.UserID != "" && s.premium != nil {
		if err := s.premium.SetPremium(ctx, order.UserID, true); err != nil {
			return nil, fmt.Errorf("grant premium: %w", err)
		}
	}
	s.log.Info("order paid", "order", order.ID, "user", order.UserID)
	return order, nil
}

// ExpirePending closes pending orders older than the ttl.
func (s *Service) ExpirePending(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl)
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ? WHERE status = ? AND created_at < ?`,
		models.OrderExpired, models.OrderPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire orders: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire orders: %w", err)
	}
	if n > 0 {
		s.log.Info("pending orders expired", "count", n)
	}
	return n, nil
}

// TradeState maps an order status onto the gateway-style trade state.
func TradeState(status models.OrderStatus) string {
	switch status {
	case models.OrderPaid:
		return "SUCCESS"
	case models.OrderExpired:
		return "CLOSED"
	default:
		return "NOTPAY"
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOrder(ctx context.Context, q queryer, id string) (*models.Order, error) {
	var (
		order  models.Order
		paidAt sql.NullTime
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, product_id, product_name, amount, status, created_at, paid_at FROM orders WHERE id = ?`, id).
		Scan(&order.ID, &order.UserID, &order.ProductID, &order.ProductName, &order.Amount, &order.Status, &order.CreatedAt, &paidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if paidAt.Valid {
		t := paidAt.Time
		order.PaidAt = &t
	}
	return &order, nil
}
