package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"expenses/internal/core"
)

// ExpenseStore is the durable storage the ledger writes through.
type ExpenseStore interface {
	CreateExpense(ctx context.Context, e core.NewExpense) (core.Expense, error)
	CreateExpenseIdempotent(ctx context.Context, key string, e core.NewExpense) (core.Expense, bool, error)
	ListExpenses(ctx context.Context, filter core.ListFilter) ([]core.Expense, error)
}

// EventPublisher announces newly created expenses to other systems.
type EventPublisher interface {
	PublishExpenseCreated(ctx context.Context, e core.Expense) error
}

// KeySource says where an idempotency key came from.
type KeySource string

const (
	KeyNone        KeySource = "none"
	KeyHeader      KeySource = "header"
	KeyFingerprint KeySource = "fingerprint"
)

// CreateRequest carries the raw client input for a create.
type CreateRequest struct {
	Amount         any
	Category       string
	Description    string
	Date           string
	IdempotencyKey string
	// Body is the raw request body, fingerprinted when no key is supplied.
	Body []byte
}

// CreateResult is the outcome of a create. Replayed is set when an earlier
// request with the same idempotency key already produced Expense.
type CreateResult struct {
	Expense   core.Expense
	Replayed  bool
	KeySource KeySource
}

// ExpenseService owns expense creation and retrieval.
type ExpenseService struct {
	store     ExpenseStore
	publisher EventPublisher
	now       func() time.Time
	inflight  singleflight.Group
}

type Option func(*ExpenseService)

// WithClock replaces the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *ExpenseService) { s.now = now }
}

// WithPublisher enables expense.created events.
func WithPublisher(p EventPublisher) Option {
	return func(s *ExpenseService) { s.publisher = p }
}

func NewExpenseService(store ExpenseStore, opts ...Option) *ExpenseService {
	s := &ExpenseService{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate turns raw input into a storable expense. Checks run in a fixed
// order and the first failure is returned.
func (s *ExpenseService) Validate(req CreateRequest) (core.NewExpense, error) {
	minor, err := core.ParseMinorUnits(req.Amount)
	if err != nil {
		return core.NewExpense{}, err
	}

	category := strings.TrimSpace(req.Category)
	if category == "" {
		return core.NewExpense{}, core.ErrMissingCategory
	}

	date, err := core.ParseDate(req.Date)
	if err != nil {
		return core.NewExpense{}, err
	}

	return core.NewExpense{
		Amount:      core.Money{MinorUnits: minor},
		Category:    category,
		Description: strings.TrimSpace(req.Description),
		Date:        date,
	}, nil
}

// ResolveKey picks the idempotency key for a request: the caller's key when
// given, otherwise a SHA-256 fingerprint of the body. An empty body yields no
// key.
func ResolveKey(supplied string, body []byte) (string, KeySource) {
	if key := strings.TrimSpace(supplied); key != "" {
		return key, KeyHeader
	}
	if len(body) == 0 {
		return "", KeyNone
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), KeyFingerprint
}

// CreateExpense validates req and stores it, or returns the expense an
// earlier request with the same idempotency key created.
func (s *ExpenseService) CreateExpense(ctx context.Context, req CreateRequest) (CreateResult, error) {
	ne, err := s.Validate(req)
	if err != nil {
		return CreateResult{}, err
	}

	key, source := ResolveKey(req.IdempotencyKey, req.Body)
	if source == KeyNone {
		ne.CreatedAt = s.now().UTC()
		exp, err := s.store.CreateExpense(ctx, ne)
		if err != nil {
			return CreateResult{}, fmt.Errorf("create expense: %w", err)
		}
		s.publishCreated(ctx, exp)
		return CreateResult{Expense: exp, KeySource: source}, nil
	}

	// Concurrent requests for one key share a single storage round trip.
	// The shared call must not die with whichever caller happened to lead.
	shared := context.WithoutCancel(ctx)
	led := false
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		led = true
		ne.CreatedAt = s.now().UTC()
		exp, created, err := s.store.CreateExpenseIdempotent(shared, key, ne)
		if err != nil {
			return nil, err
		}
		if created {
			s.publishCreated(shared, exp)
		}
		return keyedResult{exp: exp, created: created}, nil
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("create expense: %w", err)
	}

	res := v.(keyedResult)
	// Callers that joined another request's in-flight create are replays too.
	replayed := !res.created || !led
	if replayed {
		slog.InfoContext(ctx, "Idempotent replay, returning stored expense",
			"id", res.exp.ID, "key_source", string(source))
	}
	return CreateResult{Expense: res.exp, Replayed: replayed, KeySource: source}, nil
}

type keyedResult struct {
	exp     core.Expense
	created bool
}

// ListExpenses returns expenses matching filter, newest date first unless
// the filter asks for ascending order.
func (s *ExpenseService) ListExpenses(ctx context.Context, filter core.ListFilter) ([]core.Expense, error) {
	filter.Category = strings.TrimSpace(filter.Category)
	if filter.Sort != core.SortDateAsc {
		filter.Sort = core.SortDefault
	}
	expenses, err := s.store.ListExpenses(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return expenses, nil
}

func (s *ExpenseService) publishCreated(ctx context.Context, e core.Expense) {
	if s.publisher == nil {
		slog.DebugContext(ctx, "Event publisher not configured, skipping expense.created", "id", e.ID)
		return
	}
	if err := s.publisher.PublishExpenseCreated(ctx, e); err != nil {
		// Don't fail the request - expense is already committed
		slog.ErrorContext(ctx, "Failed to publish expense.created", "id", e.ID, "error", err)
	}
}
