package kafka

import (
	"strconv"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestHeadersCarryAttempt(t *testing.T) {
	hs := toHeaders(map[string]string{"traceparent": "00-abc", HeaderAttempt: "1"}, 2)
	m := headerMap(hs)

	assert.Equal(t, "00-abc", m["traceparent"])
	assert.Equal(t, 2, attemptOf(m))
	assert.Len(t, hs, 2)
}

func TestAttemptDefaultsToZero(t *testing.T) {
	assert.Zero(t, attemptOf(map[string]string{}))
	assert.Zero(t, attemptOf(map[string]string{HeaderAttempt: "x"}))
}

func TestNotBefore(t *testing.T) {
	when := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	h := map[string]string{HeaderNotBefore: strconv.FormatInt(when.UnixMilli(), 10)}
	assert.True(t, notBefore(h).Equal(when))
	assert.True(t, notBefore(map[string]string{}).IsZero())
}

func TestReplaceHeader(t *testing.T) {
	hs := []kafka.Header{{Key: HeaderSourceTopic, Value: []byte("a")}}
	hs = replaceHeader(hs, HeaderSourceTopic, "b")
	hs = replaceHeader(hs, "x-reason", "boom")

	m := headerMap(hs)
	assert.Equal(t, "b", m[HeaderSourceTopic])
	assert.Equal(t, "boom", m["x-reason"])
}
