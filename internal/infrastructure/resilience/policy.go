package resilience

import "time"

// Policy configures an Executor. Zero fields take the value from
// DefaultPolicy, so a zero Policy is a usable one.
type Policy struct {
	Retry   RetryPolicy
	Breaker BreakerPolicy
}

// RetryPolicy is a capped exponential backoff.
type RetryPolicy struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// BreakerPolicy trips a per-operation breaker once at least MinRequests
// calls were seen in the window and FailureRatio of them failed.
type BreakerPolicy struct {
	Disabled       bool
	MinRequests    uint32
	FailureRatio   float64
	OpenFor        time.Duration
	HalfOpenProbes uint32
}

// DefaultPolicy suits a local Ollama or Qdrant instance: three quick
// attempts, and a breaker that opens for 30s at a 50% failure rate.
func DefaultPolicy() Policy {
	return Policy{
		Retry: RetryPolicy{
			Attempts:   3,
			Initial:    100 * time.Millisecond,
			Max:        400 * time.Millisecond,
			Multiplier: 2,
		},
		Breaker: BreakerPolicy{
			MinRequests:    10,
			FailureRatio:   0.5,
			OpenFor:        30 * time.Second,
			HalfOpenProbes: 2,
		},
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	r, b := &p.Retry, &p.Breaker

	if r.Attempts <= 0 {
		r.Attempts = def.Retry.Attempts
	}
	if r.Initial <= 0 {
		r.Initial = def.Retry.Initial
	}
	if r.Max <= 0 {
		r.Max = def.Retry.Max
	}
	r.Max = max(r.Max, r.Initial)
	if r.Multiplier < 1 {
		r.Multiplier = def.Retry.Multiplier
	}

	if b.MinRequests == 0 {
		b.MinRequests = def.Breaker.MinRequests
	}
	if b.FailureRatio <= 0 || b.FailureRatio > 1 {
		b.FailureRatio = def.Breaker.FailureRatio
	}
	if b.OpenFor <= 0 {
		b.OpenFor = def.Breaker.OpenFor
	}
	if b.HalfOpenProbes == 0 {
		b.HalfOpenProbes = def.Breaker.HalfOpenProbes
	}
	return p
}

// delay is the wait before attempt n+1, where n starts at 1.
func (r RetryPolicy) delay(n int) time.Duration {
	d := float64(r.Initial)
	for i := 1; i < n; i++ {
		d *= r.Multiplier
		if d >= float64(r.Max) {
			return r.Max
		}
	}
	return min(time.Duration(d), r.Max)
}
