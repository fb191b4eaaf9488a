package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Message is one outbound email.
type Message struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Sender delivers messages to the outbound email transport.
type Sender interface {
	// Name returns the sender identifier.
	Name() string

	// Send delivers a message. Implementations must be safe for concurrent use.
	Send(ctx context.Context, msg Message) error
}

// Error is a delivery failure carrying the transport's HTTP status.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("email transport returned status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether a send failure is worth retrying. Rate limiting
// and server-side failures are transient; other client errors are terminal.
// Errors without a status (network-level failures) are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.StatusCode == http.StatusTooManyRequests || te.StatusCode >= 500
	}
	return true
}
