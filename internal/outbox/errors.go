package outbox

import (
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/model"
)

// NetworkError is a transport failure: no response was received.
// It is transient and counts against the item's retry budget.
type NetworkError struct {
	ItemID string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("replay %s: network: %v", e.ItemID, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError is a response outside 2xx. Replay treats it as terminal.
type HTTPError struct {
	ItemID     string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("replay %s: http status %d", e.ItemID, e.StatusCode)
	}
	return fmt.Sprintf("replay %s: http status %d: %s", e.ItemID, e.StatusCode, e.Body)
}

// PermanentFailure reports an item dropped after exhausting its retries.
type PermanentFailure struct {
	Item model.QueueItem
	Err  error // Last transport failure
}

func (e *PermanentFailure) Error() string {
	return fmt.Sprintf("replay %s: gave up after %d attempts: %v", e.Item.ID, e.Item.Retries, e.Err)
}

func (e *PermanentFailure) Unwrap() error {
	return e.Err
}

// ErrInvalidRequest is returned by Enqueue for a request without URL or method.
var ErrInvalidRequest = errors.New("outbox: invalid request")

// IsPermanent reports whether err is or wraps a PermanentFailure.
func IsPermanent(err error) bool {
	var pf *PermanentFailure
	return errors.As(err, &pf)
}

// IsNetwork reports whether err is or wraps a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
