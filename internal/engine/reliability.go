package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agentvm-trust/internal/infra"
	"github.com/xela07ax/agentvm-trust/internal/infra/kms"
)

const kmsBreakerName = "kms"

// ReliableKeyManager оборачивает KMS лимитером, предохранителем и ретраями.
// Сам реализует kms.KeyManager, поэтому прозрачен для envelope.Crypto.
type ReliableKeyManager struct {
	next    kms.KeyManager
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     infra.KMSConfig
	metrics *Metrics
	logger  *zap.Logger
}

func NewReliableKeyManager(next kms.KeyManager, cfg infra.KMSConfig, metrics *Metrics, logger *zap.Logger) *ReliableKeyManager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	logger = logger.Named("kms").With(zap.String("mod", "reliability"))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        kmsBreakerName,
		MaxRequests: max(cfg.CBMaxRequests, 1),
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Через сколько CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// Постоянные ошибки (4xx, битый ответ) и отмена вызывающим не говорят о деградации KMS
		IsSuccessful: func(err error) bool {
			return err == nil || !kms.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			metrics.OnBreakerChange(name, from, to)
		},
	})

	return &ReliableKeyManager{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

func (r *ReliableKeyManager) Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, string, error) {
	var (
		wrapped []byte
		version string
	)
	err := r.call(ctx, "encrypt", func(callCtx context.Context) error {
		var err error
		wrapped, version, err = r.next.Encrypt(callCtx, keyName, plaintext)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return wrapped, version, nil
}

func (r *ReliableKeyManager) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	var plaintext []byte
	err := r.call(ctx, "decrypt", func(callCtx context.Context) error {
		var err error
		plaintext, err = r.next.Decrypt(callCtx, keyName, ciphertext)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (r *ReliableKeyManager) call(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		r.metrics.KMSDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	}()

	// 1. Rate Limiter
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("kms %s: rate limit: %w", op, err)
	}

	// 2. Circuit Breaker
	_, err = r.cb.Execute(func() (any, error) {
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.cfg.Attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(kms.IsRetryable),
			// KMS сам подсказывает паузу через Retry-After, иначе экспоненциальный бэкофф
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *kms.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
			retry.OnRetry(func(n uint, err error) {
				r.logger.Warn("kms call retry", zap.String("op", op), zap.Uint("attempt", n+1), zap.Error(err))
			}),
		)

		return nil, rt.Do(func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
			defer cancel()
			return fn(callCtx)
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &kms.TransportError{Op: op, Err: err}
	}
	return err
}
