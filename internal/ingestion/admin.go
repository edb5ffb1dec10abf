package ingestion

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidCommand = errors.New("invalid command")
var ErrNotConsumed = errors.New("command not consumed")

// AdminIngest injects commands from the admin API into the same pipeline
// NATS feeds. High-throughput producers should publish to NATS instead.
type AdminIngest struct {
	rawChan chan<- RawCommand
}

func NewAdminIngest(rawChan chan<- RawCommand) *AdminIngest {
	return &AdminIngest{rawChan: rawChan}
}

// Submit queues a command and waits until the runner has handled it.
// A nil error means the command was processed or rejected by the market;
// the outcome is in the event stream.
func (a *AdminIngest) Submit(ctx context.Context, commandType string, data []byte) error {
	done := make(chan error, 1)
	raw := RawCommand{
		Subject:     "admin",
		CommandType: commandType,
		Data:        data,
		Received:    time.Now(),
		AckFunc:     func() { done <- nil },
		NakFunc:     func() { done <- ErrNotConsumed },
		TermFunc:    func() { done <- ErrInvalidCommand },
	}

	select {
	case a.rawChan <- raw:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
