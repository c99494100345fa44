package bot

import (
	"context"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Sender is the outbound half of the transport.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Report is the per-item delivery outcome of a fan-out. Partial failure is
// a normal, inspectable result, not an abort.
type Report struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Fanout delivers text to every id with bounded concurrency, continuing
// past individual failures. The id list is read before any sending starts;
// no store lock is held during delivery.
func Fanout(ctx context.Context, sender Sender, ids []int64, text string, concurrency int) Report {
	if concurrency <= 0 {
		concurrency = 8
	}

	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := sender.SendMessage(ctx, id, text); err != nil {
				log.Printf("fanout: send to %d failed: %v", id, err)
				failed.Add(1)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return Report{Delivered: int(delivered.Load()), Failed: int(failed.Load())}
}
