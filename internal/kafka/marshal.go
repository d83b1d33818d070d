package kafka

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderAttempt     = "x-attempt"
	HeaderNotBefore   = "x-not-before"
	HeaderSourceTopic = "x-source-topic"
)

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func headerMap(hs []kafka.Header) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}

func toHeaders(m map[string]string, attempt int) []kafka.Header {
	out := make([]kafka.Header, 0, len(m)+1)
	for k, v := range m {
		if k == HeaderAttempt {
			continue
		}
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	if attempt > 0 {
		out = append(out, kafka.Header{Key: HeaderAttempt, Value: []byte(strconv.Itoa(attempt))})
	}
	return out
}

func attemptOf(h map[string]string) int {
	n, err := strconv.Atoi(h[HeaderAttempt])
	if err != nil {
		return 0
	}
	return n
}

func notBefore(h map[string]string) time.Time {
	ms, err := strconv.ParseInt(h[HeaderNotBefore], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
