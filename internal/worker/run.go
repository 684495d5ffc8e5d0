package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/taskstream/internal/queue"
)

// Consumer is satisfied by *queue.Consumer.
type Consumer interface {
	Run(ctx context.Context, handle queue.Handler) error
}

// Run drives the consumers until ctx ends, restarting each one after a
// broker failure with a growing delay capped at maxRestartDelay.
func (w *Worker) Run(ctx context.Context, consumers []Consumer) error {
	if len(consumers) == 0 {
		return errors.New("worker: no consumers")
	}
	var wg sync.WaitGroup
	for i, c := range consumers {
		wg.Add(1)
		go func(i int, c Consumer) {
			defer wg.Done()
			w.consumeLoop(ctx, i, c)
		}(i, c)
	}
	wg.Wait()
	w.Shutdown(context.WithoutCancel(ctx))
	return ctx.Err()
}

const maxRestartDelay = 30 * time.Second

func (w *Worker) consumeLoop(ctx context.Context, slot int, c Consumer) {
	delay := time.Second
	for {
		err := c.Run(ctx, w.Handle)
		if ctx.Err() != nil {
			return
		}
		w.logger.WarnContext(ctx, "consumer stopped; restarting", "slot", slot, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRestartDelay)
	}
}

// ConsumerTag names the consumer in a slot.
func ConsumerTag(hostname string, slot int) string {
	return fmt.Sprintf("taskstream-%s-%d", hostname, slot)
}
