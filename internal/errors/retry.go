package errors

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig configures retry behavior. Forwarding never retries; the
// external analyzer does.
type RetryConfig struct {
	MaxRetries     int           // 0 = single attempt
	InitialDelay   time.Duration // delay before the first retry
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         float64 // random jitter factor (0-1)
	RetryableTypes []ErrorType
}

// DefaultRetryConfig returns the external analyzer defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		RetryableTypes: []ErrorType{
			Network,
			Timeout,
		},
	}
}

// Retrier implements retry logic with exponential backoff.
type Retrier struct {
	config RetryConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetrier creates a new retrier.
func NewRetrier(config RetryConfig) *Retrier {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Retrier{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RetryFunc is a function that can be retried.
type RetryFunc func(ctx context.Context) error

// RetryResult holds the result of a retry operation.
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
	Success   bool
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// retries are exhausted or ctx is done.
func (r *Retrier) Do(ctx context.Context, operation string, fn RetryFunc) *RetryResult {
	result := &RetryResult{}
	start := time.Now()
	delay := r.config.InitialDelay

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		result.Attempts++

		err := fn(ctx)
		if err == nil {
			result.Success = true
			result.Duration = time.Since(start)
			return result
		}
		result.LastError = err

		if ctx.Err() != nil {
			result.LastError = NewCancelledError(operation)
			break
		}
		if attempt >= r.config.MaxRetries || !r.shouldRetry(err) {
			break
		}

		select {
		case <-ctx.Done():
			result.LastError = NewCancelledError(operation)
			result.Duration = time.Since(start)
			return result
		case <-time.After(r.calculateDelay(delay)):
		}
		delay = r.nextDelay(delay)
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Retrier) shouldRetry(err error) bool {
	errType := GetErrorType(Categorize(err, ""))
	for _, t := range r.config.RetryableTypes {
		if errType == t {
			return true
		}
	}
	return IsRetryable(err)
}

func (r *Retrier) calculateDelay(base time.Duration) time.Duration {
	if r.config.Jitter <= 0 {
		return base
	}

	r.mu.Lock()
	f := r.rng.Float64()
	r.mu.Unlock()

	jitter := r.config.Jitter * float64(base)
	return time.Duration(float64(base) + f*2*jitter - jitter)
}

func (r *Retrier) nextDelay(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * r.config.Multiplier)
	if next > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return next
}

// DoWithResult executes a function that returns a value and error.
func DoWithResult[T any](ctx context.Context, r *Retrier, operation string, fn func(ctx context.Context) (T, error)) (T, *RetryResult) {
	var result T
	res := r.Do(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	return result, res
}
