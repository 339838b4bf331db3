// Package http provides HTTP server and handler implementations.
//
// This file implements the Builder Pattern for constructing JSON responses so
// every handler reports success and failure with the same shape.

package http

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"expenses/internal/core"
)

// Client-facing error messages.
const (
	msgInvalidJSON      = "Invalid JSON"
	msgInternalError    = "Internal server error"
	msgBodyTooLarge     = "Request body too large"
	msgMethodNotAllowed = "Method not allowed"
	msgRateLimited      = "Rate limit exceeded. Please try again later."
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	payload    any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// JSON sets the value encoded as the response body.
func (b *JSONResponseBuilder) JSON(v any) *JSONResponseBuilder {
	b.payload = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	var body bytes.Buffer
	if b.payload != nil {
		enc := json.NewEncoder(&body)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(b.payload); err != nil {
			slog.Error("Failed to encode JSON response", "error", err)
			b.statusCode = http.StatusInternalServerError
			body.Reset()
			body.WriteString(`{"error":"` + msgInternalError + `"}` + "\n")
		}
	}

	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if body.Len() > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(b.statusCode)
	if body.Len() > 0 {
		_, _ = w.Write(body.Bytes())
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// ErrorResponse creates a standard {"error": message} response.
func ErrorResponse(statusCode int, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		JSON(errorBody{Error: message})
}

// BadRequestError creates a 400 Bad Request error response.
func BadRequestError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, message)
}

// InternalServerError creates a 500 response. Details stay in the logs.
func InternalServerError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, msgInternalError)
}

// MethodNotAllowedError creates a 405 Method Not Allowed error response.
func MethodNotAllowedError(allowedMethods string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusMethodNotAllowed, msgMethodNotAllowed).
		Header("Allow", allowedMethods)
}

// TooManyRequestsError creates a 429 response.
func TooManyRequestsError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusTooManyRequests, msgRateLimited)
}

// expenseResponse is the wire form of a stored expense. Amount is a bare JSON
// number in major units.
type expenseResponse struct {
	ID          int64       `json:"id"`
	Amount      json.Number `json:"amount"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Date        string      `json:"date"`
	CreatedAt   string      `json:"created_at"`
}

func toExpenseResponse(e core.Expense) expenseResponse {
	return expenseResponse{
		ID:          e.ID,
		Amount:      e.Amount.JSONNumber(),
		Category:    e.Category,
		Description: e.Description,
		Date:        e.Date.String(),
		CreatedAt:   core.FormatTimestamp(e.CreatedAt),
	}
}

func toExpenseResponses(expenses []core.Expense) []expenseResponse {
	out := make([]expenseResponse, len(expenses))
	for i, e := range expenses {
		out[i] = toExpenseResponse(e)
	}
	return out
}
