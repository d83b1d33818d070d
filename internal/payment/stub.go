package payment

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stub is a random-outcome gateway for local runs. Approvals are remembered
// per order so a repeated authorization returns the same transaction.
type Stub struct {
	DeclineRate     float64
	UnavailableRate float64
	MaxLatency      time.Duration

	mu       sync.Mutex
	approved map[string]Result
}

func NewStub(declineRate, unavailableRate float64, maxLatency time.Duration) *Stub {
	return &Stub{
		DeclineRate:     declineRate,
		UnavailableRate: unavailableRate,
		MaxLatency:      maxLatency,
		approved:        map[string]Result{},
	}
}

func (s *Stub) Authorize(ctx context.Context, orderID string, amount float64) (Result, error) {
	s.mu.Lock()
	if r, ok := s.approved[orderID]; ok {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	if s.MaxLatency > 0 {
		select {
		case <-time.After(rand.N(s.MaxLatency)):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	roll := rand.Float64()
	switch {
	case roll < s.UnavailableRate:
		return Result{}, ErrUnavailable
	case roll < s.UnavailableRate+s.DeclineRate || amount <= 0:
		return Result{Approved: false, DeclineReason: "card declined"}, nil
	}

	r := Result{Approved: true, TransactionID: "txn-" + uuid.NewString()}
	s.mu.Lock()
	s.approved[orderID] = r
	s.mu.Unlock()
	return r, nil
}
