package kds

import (
	"context"
	"errors"
	"time"

	"github.com/tavola-pos/tavola/internal/apiclient"
)

// Level grades a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a message meant for kitchen staff.
type Notice struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	BatchID string    `json:"batch_id,omitempty"`
	ItemIDs []string  `json:"item_ids,omitempty"`
}

// MessageFor turns err into text staff can act on.
func MessageFor(err error) string {
	if apiErr, ok := apiclient.AsAPIError(err); ok {
		return apiErr.Message()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The kitchen service took too long to answer"
	}
	return "Could not reach the kitchen service"
}
