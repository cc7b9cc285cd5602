package stream

import (
	"math/rand"
	"time"
)

// backoffDelay mirrors ExchangeClient's REST retry schedule (spec
// §4.2/§4.3: "backoff identical to REST") — base 250ms, cap 8s, +/-20%
// jitter — but the reconnect loop that uses it runs until the pipeline
// is stopped or a fatal rejection is observed, not for a bounded
// attempt count.
func backoffDelay(attempt int) time.Duration {
	const (
		base     = 250 * time.Millisecond
		capDelay = 8 * time.Second
	)
	delay := base << uint(attempt)
	if delay > capDelay || delay <= 0 {
		delay = capDelay
	}
	jitter := time.Duration(float64(delay) * (rand.Float64()*0.4 - 0.2))
	return delay + jitter
}
