package amqp

import (
	"encoding/json"
	"time"

	"expenses/internal/core"
)

// ExpenseCreatedMessage is the payload of an expense.created event. It carries
// the full stored record so consumers never need to read the ledger back.
type ExpenseCreatedMessage struct {
	ID          int64       `json:"id"`
	Amount      json.Number `json:"amount"`
	AmountMinor int64       `json:"amount_minor"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Date        string      `json:"date"`
	CreatedAt   string      `json:"created_at"`
	Timestamp   time.Time   `json:"timestamp"`
}

func NewExpenseCreatedMessage(e core.Expense) *ExpenseCreatedMessage {
	return &ExpenseCreatedMessage{
		ID:          e.ID,
		Amount:      e.Amount.JSONNumber(),
		AmountMinor: e.Amount.MinorUnits,
		Category:    e.Category,
		Description: e.Description,
		Date:        e.Date.String(),
		CreatedAt:   core.FormatTimestamp(e.CreatedAt),
		Timestamp:   time.Now().UTC(),
	}
}

func (m *ExpenseCreatedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ExpenseCreatedMessageFromJSON(data []byte) (*ExpenseCreatedMessage, error) {
	var msg ExpenseCreatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
