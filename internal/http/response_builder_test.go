package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"expenses/internal/core"
)

func TestJSONResponseBuilder_Basic(t *testing.T) {
	w := httptest.NewRecorder()

	NewJSONResponse().
		Status(http.StatusCreated).
		Header("X-Test", "yes").
		JSON(map[string]string{"note": "<b>&</b>"}).
		Write(w)

	if w.Code != http.StatusCreated {
		t.Errorf("Status code = %d, want %d", w.Code, http.StatusCreated)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("X-Test") != "yes" {
		t.Error("custom header not set")
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"note":"<b>&</b>"}` {
		t.Errorf("Body = %s", got)
	}
}

func TestJSONResponseBuilder_NoBody(t *testing.T) {
	w := httptest.NewRecorder()
	NewJSONResponse().Status(http.StatusNoContent).Write(w)

	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "" {
		t.Error("Content-Type should not be set without a body")
	}
}

func TestJSONResponseBuilder_EncodeFailure(t *testing.T) {
	w := httptest.NewRecorder()
	NewJSONResponse().JSON(map[string]any{"bad": make(chan int)}).Write(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Status code = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), msgInternalError) {
		t.Errorf("Body = %s", w.Body.String())
	}
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		builder    *JSONResponseBuilder
		wantStatus int
		wantBody   string
	}{
		{"bad request", BadRequestError("Category is required"), http.StatusBadRequest, `{"error":"Category is required"}`},
		{"internal", InternalServerError(), http.StatusInternalServerError, `{"error":"Internal server error"}`},
		{"method", MethodNotAllowedError("GET, POST"), http.StatusMethodNotAllowed, `{"error":"Method not allowed"}`},
		{"rate limited", TooManyRequestsError(), http.StatusTooManyRequests, `{"error":"Rate limit exceeded. Please try again later."}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.builder.Write(w)
			if w.Code != tt.wantStatus {
				t.Errorf("Status code = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := strings.TrimSpace(w.Body.String()); got != tt.wantBody {
				t.Errorf("Body = %s, want %s", got, tt.wantBody)
			}
		})
	}
}

func TestMethodNotAllowedSetsAllow(t *testing.T) {
	w := httptest.NewRecorder()
	MethodNotAllowedError("GET, POST").Write(w)
	if w.Header().Get("Allow") != "GET, POST" {
		t.Errorf("Allow = %q", w.Header().Get("Allow"))
	}
}

func TestExpenseResponseShape(t *testing.T) {
	e := core.Expense{
		ID:          9,
		Amount:      core.Money{MinorUnits: 15050},
		Category:    "Food",
		Description: "",
		Date:        core.NewDate(2025, 2, 18),
		CreatedAt:   time.Date(2025, 2, 18, 10, 30, 0, 123456000, time.UTC),
	}

	w := httptest.NewRecorder()
	NewJSONResponse().JSON(toExpenseResponse(e)).Write(w)

	want := `{"id":9,"amount":150.5,"category":"Food","description":"","date":"2025-02-18","created_at":"2025-02-18T10:30:00.123456Z"}`
	if got := strings.TrimSpace(w.Body.String()); got != want {
		t.Errorf("Body = %s\nwant  %s", got, want)
	}
}

func TestEmptyListRendersArray(t *testing.T) {
	w := httptest.NewRecorder()
	NewJSONResponse().JSON(toExpenseResponses(nil)).Write(w)
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("Body = %s, want []", got)
	}
}
