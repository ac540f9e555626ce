// Package exchange is the trading and accounting core: sellers publish
// weight-derived prices, buyers trade shares of a seller at the latest price,
// and every trade moves cash between the two and updates the buyer's
// average-cost position in one atomic unit.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/events"
	"github.com/weightx/exchange-engine/internal/keylock"
	"github.com/weightx/exchange-engine/internal/ledger"
	"github.com/weightx/exchange-engine/internal/metrics"
	"github.com/weightx/exchange-engine/internal/model"
	"github.com/weightx/exchange-engine/internal/pricing"
	"github.com/weightx/exchange-engine/internal/store"
	"github.com/weightx/exchange-engine/internal/tracing"
)

// MaxUsernameLen bounds registered usernames.
const MaxUsernameLen = 64

// Service is safe for concurrent use. Writers to the same balance or
// position are serialized through keylock; the store transaction makes each
// operation all-or-nothing.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	locks  *keylock.Locker
	events events.Publisher
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the exchange core. Pass nil for pub if events are not
// needed.
func NewService(st store.Store, locks *keylock.Locker, pub events.Publisher, opts ...Option) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	s := &Service{
		store:  st,
		ledger: ledger.New(st, locks),
		locks:  locks,
		events: pub,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.ledger.SetClock(s.now)
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// --- Users & seller settings ---

// RegisterUser creates an account with a zero balance.
func (s *Service) RegisterUser(ctx context.Context, username, role string) (u *model.User, err error) {
	ctx, span := tracing.StartSpan(ctx, "exchange.RegisterUser")
	defer func() { tracing.End(span, err); s.reject("register", err) }()

	username = strings.TrimSpace(username)
	if username == "" || len(username) > MaxUsernameLen {
		return nil, fmt.Errorf("%w: username must be 1-%d characters", apperr.ErrInvalidInput, MaxUsernameLen)
	}
	r, ok := model.ParseRole(role)
	if !ok {
		return nil, fmt.Errorf("%w: role must be seller or buyer", apperr.ErrInvalidInput)
	}

	u = &model.User{
		ID:        uuid.New().String(),
		Username:  username,
		Role:      r,
		CreatedAt: s.clock(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	slog.Info("user registered", "id", u.ID, "username", u.Username, "role", u.Role)
	return u, nil
}

// User returns a user by ID.
func (s *Service) User(ctx context.Context, id string) (*model.User, error) {
	return s.store.GetUser(ctx, id)
}

// UserByUsername resolves a username, ignoring case.
func (s *Service) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", apperr.ErrInvalidInput)
	}
	return s.store.GetUserByUsername(ctx, username)
}

// ConfigureSeller stores a seller's pricing coefficients. They can be set
// only once.
func (s *Service) ConfigureSeller(ctx context.Context, sellerID string, c model.Coefficients) (u *model.User, err error) {
	ctx, span := tracing.StartSpan(ctx, "exchange.ConfigureSeller", attribute.String("seller", sellerID))
	defer func() { tracing.End(span, err); s.reject("configure", err) }()

	if _, err := s.requireRole(ctx, sellerID, model.RoleSeller); err != nil {
		return nil, err
	}
	if err := pricing.ValidateCoefficients(c); err != nil {
		return nil, err
	}
	if err := s.store.SetCoefficients(ctx, sellerID, c); err != nil {
		return nil, err
	}

	slog.Info("seller configured", "seller", sellerID)
	return s.store.GetUser(ctx, sellerID)
}

// GetSettings returns the seller's coefficients, or nil if not yet configured.
func (s *Service) GetSettings(ctx context.Context, sellerID string) (*model.Coefficients, error) {
	u, err := s.requireRole(ctx, sellerID, model.RoleSeller)
	if err != nil {
		return nil, err
	}
	return u.Coefficients, nil
}

// requireRole loads a user and checks its role.
func (s *Service) requireRole(ctx context.Context, id string, role model.Role) (*model.User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: %s id is required", apperr.ErrInvalidInput, role)
	}
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Role != role {
		return nil, fmt.Errorf("%w: user %s is not a %s", apperr.ErrInvalidInput, id, role)
	}
	return u, nil
}

// --- Events & instrumentation ---

// publish delivers e after a commit. Failures are logged, never returned.
func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		metrics.EventPublishFailures.Inc()
		slog.Warn("event publish failed", "type", e.Type, "seller", e.SellerID, "err", err)
	}
}

// reject counts a failed operation by its error code.
func (s *Service) reject(op string, err error) {
	if err == nil {
		return
	}
	metrics.Rejections.WithLabelValues(op, apperr.Code(err)).Inc()
	if errors.Is(err, apperr.ErrBusy) {
		metrics.LockBusy.Inc()
	}
	if apperr.Status(err) >= 500 {
		slog.Error("operation failed", "op", op, "err", err)
	}
}
