package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"expenses/internal/core"
	"expenses/internal/log"
	"expenses/internal/services"
)

// handleCreateExpense records an expense. Retries carrying the same
// Idempotency-Key, or the same body when no key is sent, get the original
// record back with 201 as well.
func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sl := log.NewStructuredLogger(log.FromContext(ctx))

	body, err := readBody(w, r, s.maxBodyBytes)
	if errors.Is(err, errBodyTooLarge) {
		sl.LogValidationFailure(ctx, log.OpParse, err)
		ErrorResponse(http.StatusRequestEntityTooLarge, msgBodyTooLarge).Write(w)
		return
	}
	if err != nil {
		sl.LogValidationFailure(ctx, log.OpParse, err)
		BadRequestError(msgInvalidJSON).Write(w)
		return
	}

	payload, err := decodeCreatePayload(body)
	if err != nil {
		sl.LogValidationFailure(ctx, log.OpParse, err)
		BadRequestError(msgInvalidJSON).Write(w)
		return
	}

	res, err := s.ledger.CreateExpense(ctx, services.CreateRequest{
		Amount:         payload.Amount,
		Category:       payload.Category,
		Description:    payload.Description,
		Date:           payload.Date,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		Body:           body,
	})
	if err != nil {
		if core.IsValidationError(err) {
			sl.LogValidationFailure(ctx, log.OpValidate, err)
			BadRequestError(err.Error()).Write(w)
			return
		}
		sl.LogError(ctx, "Expense create failed", err, log.ComponentExpense, log.OpCreate, nil)
		InternalServerError().Write(w)
		return
	}

	e := res.Expense
	sl.LogExpenseCreated(ctx, e.ID, e.Amount.MinorUnits, e.Category, e.Date.String(), string(res.KeySource), res.Replayed)

	resp := NewJSONResponse().
		Status(http.StatusCreated).
		JSON(toExpenseResponse(e))
	if res.Replayed {
		resp.Header(ReplayedHeader, "true")
	}
	resp.Write(w)
}

// handleListExpenses returns expenses, optionally filtered by exact category
// and sorted by date (newest first unless sort=date_asc).
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	filter := core.ListFilter{
		Category: q.Get("category"),
		Sort:     core.ParseSortOrder(q.Get("sort")),
	}

	expenses, err := s.ledger.ListExpenses(ctx, filter)
	if err != nil {
		log.NewStructuredLogger(log.FromContext(ctx)).
			LogError(ctx, "Expense list failed", err, log.ComponentExpense, log.OpList,
				log.LogFields{log.FieldCategory: filter.Category})
		InternalServerError().Write(w)
		return
	}

	log.FromContext(ctx).DebugContext(ctx, "Expenses listed",
		log.FieldCount, len(expenses),
		log.FieldCategory, filter.Category)

	NewJSONResponse().JSON(toExpenseResponses(expenses)).Write(w)
}

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().JSON(map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}).Write(w)
}

// handleReady reports whether the database answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status, code := "ready", http.StatusOK
	if s.db == nil {
		checks["database"] = "not_configured"
		status, code = "not_ready", http.StatusServiceUnavailable
	} else if err := s.db.Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "Readiness check failed", log.FieldError, err)
		checks["database"] = "unreachable"
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	metrics := s.trace.GetMetrics()
	NewJSONResponse().Status(code).JSON(map[string]any{
		"status":            status,
		"checks":            checks,
		"requests_total":    metrics.TotalRequests,
		"avg_response_usec": metrics.AverageResponseTime,
	}).Write(w)
}
