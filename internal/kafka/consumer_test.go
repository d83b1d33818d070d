package kafka

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/order-saga/internal/queue"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder stands in for both the producer and the reader's committer and
// keeps the order in which they were called.
type recorder struct {
	mu        sync.Mutex
	events    []string
	writes    map[string][]kafka.Message
	committed []kafka.Message
	writeErr  error
}

func newRecorder() *recorder { return &recorder{writes: map[string][]kafka.Message{}} }

func (r *recorder) Write(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	topic := msgs[0].Topic
	r.events = append(r.events, "write:"+topic)
	r.writes[topic] = append(r.writes[topic], msgs...)
	return nil
}

func (r *recorder) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "commit")
	r.committed = append(r.committed, msgs...)
	return nil
}

var clock = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testConsumer(t *testing.T, mode Mode, rec *recorder) *BatchConsumer {
	cfg := BatchConfig{
		Topic:       "order.work",
		DLQTopic:    "order.work.dlq",
		Mode:        mode,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}
	cfg.defaults()
	return &BatchConsumer{
		cfg:    cfg,
		commit: rec,
		out:    rec,
		log:    zaptest.NewLogger(t),
		now:    func() time.Time { return clock },
	}
}

func fetched(n int) []kafka.Message {
	out := make([]kafka.Message, n)
	for i := range out {
		out[i] = kafka.Message{
			Topic:  "order.work",
			Offset: int64(i),
			Key:    []byte("order-" + strconv.Itoa(i)),
			Value:  []byte(`{"orderId":"order-` + strconv.Itoa(i) + `"}`),
		}
	}
	return out
}

func TestRequeueRedeliversWithNextAttempt(t *testing.T) {
	rec := newRecorder()
	c := testConsumer(t, Requeue, rec)
	batch := fetched(4)
	batch[2].Headers = []kafka.Header{{Key: HeaderAttempt, Value: []byte("2")}}

	h := queue.HandlerFunc(func(_ context.Context, msgs []queue.Message) queue.BatchResult {
		return queue.BatchResult{Failures: []string{"0/1", "0/2"}, Rejected: []string{"0/3"}}
	})
	require.NoError(t, c.process(context.Background(), batch, h))

	requeued := rec.writes["order.work"]
	require.Len(t, requeued, 1)
	assert.Equal(t, "order-1", string(requeued[0].Key))
	hdr := headerMap(requeued[0].Headers)
	assert.Equal(t, 1, attemptOf(hdr))
	assert.True(t, notBefore(hdr).Equal(clock.Add(time.Millisecond)))

	// the rejected item and the one out of attempts end up on the DLQ
	dead := rec.writes["order.work.dlq"]
	require.Len(t, dead, 2)
	assert.Equal(t, "order-3", string(dead[0].Key))
	assert.Equal(t, "order-2", string(dead[1].Key))
	assert.Equal(t, "order.work", headerMap(dead[1].Headers)[HeaderSourceTopic])
	assert.Equal(t, 2, attemptOf(headerMap(dead[1].Headers)))

	assert.Equal(t, []string{"write:order.work", "write:order.work.dlq", "commit"}, rec.events)
	assert.Len(t, rec.committed, 4)
}

func TestInlineRetriesOnlyStillFailingMessages(t *testing.T) {
	rec := newRecorder()
	c := testConsumer(t, Inline, rec)

	var calls [][]string
	var attempts []int
	h := queue.HandlerFunc(func(_ context.Context, msgs []queue.Message) queue.BatchResult {
		var ids []string
		for _, m := range msgs {
			ids = append(ids, m.ID)
			attempts = append(attempts, m.Attempt)
		}
		calls = append(calls, ids)
		var res queue.BatchResult
		for _, id := range ids {
			if id == "0/2" || (id == "0/1" && len(calls) == 1) {
				res.Fail(id)
			}
		}
		return res
	})
	require.NoError(t, c.process(context.Background(), fetched(3), h))

	assert.Equal(t, [][]string{{"0/0", "0/1", "0/2"}, {"0/1", "0/2"}, {"0/2"}}, calls)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 2}, attempts)

	assert.Empty(t, rec.writes["order.work"])
	dead := rec.writes["order.work.dlq"]
	require.Len(t, dead, 1)
	assert.Equal(t, "order-2", string(dead[0].Key))
	assert.Equal(t, 2, attemptOf(headerMap(dead[0].Headers)))
	assert.Equal(t, []string{"write:order.work.dlq", "commit"}, rec.events)
}

func TestDelayedMessagesRunAfterDueOnes(t *testing.T) {
	rec := newRecorder()
	c := testConsumer(t, Requeue, rec)
	c.now = time.Now
	batch := fetched(2)
	due := strconv.FormatInt(time.Now().Add(30*time.Millisecond).UnixMilli(), 10)
	batch[0].Headers = []kafka.Header{
		{Key: HeaderAttempt, Value: []byte("1")},
		{Key: HeaderNotBefore, Value: []byte(due)},
	}

	var order []string
	h := queue.HandlerFunc(func(_ context.Context, msgs []queue.Message) queue.BatchResult {
		for _, m := range msgs {
			order = append(order, m.ID)
		}
		return queue.BatchResult{}
	})
	require.NoError(t, c.process(context.Background(), batch, h))

	assert.Equal(t, []string{"0/1", "0/0"}, order)
	assert.Equal(t, []string{"commit"}, rec.events)
}

func TestNoCommitWhenRedeliveryWriteFails(t *testing.T) {
	rec := newRecorder()
	rec.writeErr = errors.New("broker down")
	c := testConsumer(t, Requeue, rec)

	h := queue.HandlerFunc(func(_ context.Context, msgs []queue.Message) queue.BatchResult {
		return queue.BatchResult{Failures: []string{"0/0"}}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.Error(t, c.process(ctx, fetched(1), h))
	assert.Empty(t, rec.committed)
}

func TestSplitDueKeepsOrder(t *testing.T) {
	later := map[string]string{HeaderNotBefore: strconv.FormatInt(clock.Add(time.Second).UnixMilli(), 10)}
	earlier := map[string]string{HeaderNotBefore: strconv.FormatInt(clock.Add(-time.Second).UnixMilli(), 10)}
	msgs := []queue.Message{
		{ID: "a", Headers: later},
		{ID: "b", Headers: map[string]string{}},
		{ID: "c", Headers: earlier},
		{ID: "d", Headers: later},
	}

	ready, delayed := splitDue(msgs, clock)
	ids := func(ms []queue.Message) []string {
		var out []string
		for _, m := range ms {
			out = append(out, m.ID)
		}
		return out
	}
	assert.Equal(t, []string{"b", "c"}, ids(ready))
	assert.Equal(t, []string{"a", "d"}, ids(delayed))
}
