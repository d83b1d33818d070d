package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/order-saga/internal/metrics"
	"github.com/ariefcatur/order-saga/internal/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Mode selects how a BatchConsumer redelivers failed messages.
type Mode int

const (
	// Requeue republishes failures to the source topic with attempt+1 and a
	// not-before time. Per-key order is not kept.
	Requeue Mode = iota
	// Inline retries failures in process before committing, which keeps the
	// order of records within a key.
	Inline
)

type BatchConfig struct {
	Brokers     []string
	GroupID     string
	Topic       string
	DLQTopic    string
	Mode        Mode
	BatchSize   int
	MaxWait     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

func (c *BatchConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 200 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

type writer interface {
	Write(ctx context.Context, msgs ...kafka.Message) error
}

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// BatchConsumer feeds a queue.Handler with batches and commits offsets only
// once every message is acknowledged, requeued or dead-lettered.
type BatchConsumer struct {
	cfg     BatchConfig
	r       *kafka.Reader
	commit  committer
	out     writer
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewBatchConsumer(cfg BatchConfig, out *SyncProducer, log *zap.Logger, m *metrics.Metrics) *BatchConsumer {
	cfg.defaults()
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return &BatchConsumer{
		cfg:     cfg,
		r:       r,
		commit:  r,
		out:     out,
		log:     log.With(zap.String("topic", cfg.Topic), zap.String("group", cfg.GroupID)),
		metrics: m,
		now:     time.Now,
	}
}

func (c *BatchConsumer) Start(ctx context.Context, h queue.Handler) error {
	defer c.r.Close()
	c.log.Info("batch consumer started", zap.Int("batch_size", c.cfg.BatchSize))
	for {
		batch, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}
		if err := c.process(ctx, batch, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// fetch blocks for the first message, then collects more until the batch is
// full or MaxWait passes.
func (c *BatchConsumer) fetch(ctx context.Context) ([]kafka.Message, error) {
	first, err := c.r.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	batch := []kafka.Message{first}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.MaxWait)
	defer cancel()
	for len(batch) < c.cfg.BatchSize {
		m, err := c.r.FetchMessage(wctx)
		if err != nil {
			break
		}
		batch = append(batch, m)
	}
	return batch, nil
}

// process hands due messages to h first and only then waits for requeued
// ones whose not-before lies ahead. Offsets are committed after every
// redelivery and dead-letter write has been accepted.
func (c *BatchConsumer) process(ctx context.Context, batch []kafka.Message, h queue.Handler) error {
	msgs := make([]queue.Message, len(batch))
	for i, m := range batch {
		hdr := headerMap(m.Headers)
		msgs[i] = queue.Message{
			ID:      strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10),
			Key:     string(m.Key),
			Body:    m.Value,
			Attempt: attemptOf(hdr),
			Headers: hdr,
		}
	}

	ready, delayed := splitDue(msgs, c.now())
	var requeue, dead []queue.Message
	for _, group := range [][]queue.Message{ready, delayed} {
		if len(group) == 0 {
			continue
		}
		if err := c.waitNotBefore(ctx, group); err != nil {
			return err
		}
		rq, dl, err := c.dispatch(ctx, group, h)
		if err != nil {
			return err
		}
		requeue = append(requeue, rq...)
		dead = append(dead, dl...)
	}

	if err := c.requeue(ctx, requeue); err != nil {
		return err
	}
	if err := c.deadLetter(ctx, dead); err != nil {
		return err
	}
	if err := c.commit.CommitMessages(ctx, batch...); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// dispatch runs msgs through h and sorts what did not succeed into messages
// to requeue and messages to dead-letter.
func (c *BatchConsumer) dispatch(ctx context.Context, msgs []queue.Message, h queue.Handler) (requeue, dead []queue.Message, err error) {
	byID := make(map[string]queue.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	res := h.HandleBatch(ctx, msgs)
	for _, id := range res.Rejected {
		dead = append(dead, byID[id])
	}

	switch c.cfg.Mode {
	case Requeue:
		for _, id := range res.Failures {
			m := byID[id]
			if m.Attempt+1 >= c.cfg.MaxAttempts {
				dead = append(dead, m)
				continue
			}
			requeue = append(requeue, m)
		}
	case Inline:
		pending := res.Failures
		for attempt := 1; len(pending) > 0 && attempt < c.cfg.MaxAttempts; attempt++ {
			if err := sleep(ctx, c.cfg.RetryDelay*time.Duration(attempt)); err != nil {
				return nil, nil, err
			}
			retry := make([]queue.Message, 0, len(pending))
			for _, id := range pending {
				m := byID[id]
				m.Attempt = attempt
				byID[id] = m
				retry = append(retry, m)
			}
			c.metrics.Redelivered(c.cfg.Topic, len(retry))
			again := h.HandleBatch(ctx, retry)
			for _, id := range again.Rejected {
				dead = append(dead, byID[id])
			}
			pending = again.Failures
		}
		for _, id := range pending {
			dead = append(dead, byID[id])
		}
	}
	return requeue, dead, nil
}

// splitDue separates messages whose not-before has passed from those still
// waiting, keeping the order within each.
func splitDue(msgs []queue.Message, now time.Time) (ready, delayed []queue.Message) {
	for _, m := range msgs {
		if notBefore(m.Headers).After(now) {
			delayed = append(delayed, m)
			continue
		}
		ready = append(ready, m)
	}
	return ready, delayed
}

func (c *BatchConsumer) requeue(ctx context.Context, msgs []queue.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		next := m.Attempt + 1
		delay := c.cfg.RetryDelay << min(next-1, 6)
		hdr := toHeaders(m.Headers, next)
		hdr = replaceHeader(hdr, HeaderNotBefore, strconv.FormatInt(c.now().Add(delay).UnixMilli(), 10))
		out = append(out, kafka.Message{Topic: c.cfg.Topic, Key: []byte(m.Key), Value: m.Body, Headers: hdr})
	}
	if err := c.write(ctx, out); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	c.metrics.Redelivered(c.cfg.Topic, len(out))
	c.log.Info("messages requeued", zap.Int("count", len(out)))
	return nil
}

func (c *BatchConsumer) deadLetter(ctx context.Context, msgs []queue.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		hdr := toHeaders(m.Headers, m.Attempt)
		hdr = replaceHeader(hdr, HeaderSourceTopic, c.cfg.Topic)
		out = append(out, kafka.Message{Topic: c.cfg.DLQTopic, Key: []byte(m.Key), Value: m.Body, Headers: hdr})
		c.log.Error("message dead-lettered",
			zap.String("message_id", m.ID),
			zap.String("key", m.Key),
			zap.Int("attempt", m.Attempt),
		)
	}
	if err := c.write(ctx, out); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	c.metrics.DeadLettered(c.cfg.Topic, len(out))
	return nil
}

// write retries until the broker takes the messages or ctx ends; the batch
// is not committed before that.
func (c *BatchConsumer) write(ctx context.Context, msgs []kafka.Message) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.RetryNotify(func() error {
		return c.out.Write(ctx, msgs...)
	}, b, func(err error, wait time.Duration) {
		c.log.Warn("redelivery write failed", zap.Duration("retry_in", wait), zap.Error(err))
	})
}

func (c *BatchConsumer) waitNotBefore(ctx context.Context, msgs []queue.Message) error {
	var latest time.Time
	for _, m := range msgs {
		if nb := notBefore(m.Headers); nb.After(latest) {
			latest = nb
		}
	}
	wait := latest.Sub(c.now())
	if wait <= 0 {
		return nil
	}
	return sleep(ctx, min(wait, time.Minute))
}

func replaceHeader(hs []kafka.Header, key, value string) []kafka.Header {
	for i := range hs {
		if hs[i].Key == key {
			hs[i].Value = []byte(value)
			return hs
		}
	}
	return append(hs, kafka.Header{Key: key, Value: []byte(value)})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
