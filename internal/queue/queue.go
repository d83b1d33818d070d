// Package queue defines the batch contract between a message transport and
// the workers it feeds: every message in a batch succeeds or fails on its own,
// and the batch result names exactly the ones to redeliver.
package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

type Message struct {
	// ID identifies the delivery within its batch.
	ID      string
	Key     string
	Body    []byte
	Attempt int
	Headers map[string]string
}

type BatchResult struct {
	// Failures are redelivered.
	Failures []string
	// Rejected can never succeed and go straight to the dead-letter path.
	Rejected []string
}

func (r *BatchResult) Fail(id string)   { r.Failures = append(r.Failures, id) }
func (r *BatchResult) Reject(id string) { r.Rejected = append(r.Rejected, id) }

func (r BatchResult) Failed(id string) bool   { return contains(r.Failures, id) }
func (r BatchResult) IsRejected(id string) bool { return contains(r.Rejected, id) }

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type Handler interface {
	HandleBatch(ctx context.Context, msgs []Message) BatchResult
}

type HandlerFunc func(ctx context.Context, msgs []Message) BatchResult

func (f HandlerFunc) HandleBatch(ctx context.Context, msgs []Message) BatchResult {
	return f(ctx, msgs)
}

// Outcome of processing one message.
type Outcome int

const (
	Done Outcome = iota
	Retry
	Reject
)

type Options struct {
	// Limit caps the number of keys processed at once.
	Limit int
	// HaltKeyOnFailure fails the rest of a key's messages once one fails, so
	// a redelivery never overtakes a later record of the same key.
	HaltKeyOnFailure bool
}

// Run processes msgs with bounded concurrency. Messages sharing a key run in
// order on one goroutine; distinct keys run in parallel.
func Run(ctx context.Context, msgs []Message, opts Options, fn func(context.Context, Message) Outcome) BatchResult {
	var order []string
	groups := map[string][]Message{}
	for _, m := range msgs {
		if _, ok := groups[m.Key]; !ok {
			order = append(order, m.Key)
		}
		groups[m.Key] = append(groups[m.Key], m)
	}

	var (
		mu       sync.Mutex
		outcomes = make(map[string]Outcome, len(msgs))
		g        errgroup.Group
	)
	if opts.Limit > 0 {
		g.SetLimit(opts.Limit)
	}
	for _, key := range order {
		group := groups[key]
		g.Go(func() error {
			halted := false
			for _, m := range group {
				out := Retry
				if !halted {
					out = fn(ctx, m)
				}
				if out == Retry && opts.HaltKeyOnFailure {
					halted = true
				}
				mu.Lock()
				outcomes[m.ID] = out
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	var res BatchResult
	for _, m := range msgs {
		switch outcomes[m.ID] {
		case Retry:
			res.Fail(m.ID)
		case Reject:
			res.Reject(m.ID)
		}
	}
	return res
}
