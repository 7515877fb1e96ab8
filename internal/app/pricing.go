package app

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

// PricingOptions tunes the pricing engine.
type PricingOptions struct {
	Timeout    time.Duration
	CacheSize  int
	CacheTTL   time.Duration
	MaxRetries uint64
	RetryBase  time.Duration
}

// DefaultPricingOptions returns the options used when none are configured.
func DefaultPricingOptions() PricingOptions {
	return PricingOptions{
		Timeout:    5 * time.Second,
		CacheSize:  256,
		CacheTTL:   time.Minute,
		MaxRetries: 2,
		RetryBase:  100 * time.Millisecond,
	}
}

// PricingEngine fetches price quotes from the backend, cached by input tuple.
// Discount tiers are backend-owned, so every tuple is priced by the backend.
type PricingEngine struct {
	client domain.PricingClient
	opts   PricingOptions
	cache  *expirable.LRU[domain.QuoteKey, domain.PriceQuote]
	group  singleflight.Group
}

// NewPricingEngine creates a pricing engine around the given client.
func NewPricingEngine(client domain.PricingClient, opts PricingOptions) *PricingEngine {
	defaults := DefaultPricingOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaults.CacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaults.CacheTTL
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaults.RetryBase
	}
	return &PricingEngine{
		client: client,
		opts:   opts,
		cache:  expirable.NewLRU[domain.QuoteKey, domain.PriceQuote](opts.CacheSize, nil, opts.CacheTTL),
	}
}

// Quote returns the price for key. Identical concurrent lookups share one
// backend call. A caller whose context ends stops waiting immediately; the
// shared read still completes within the engine's timeout.
func (e *PricingEngine) Quote(ctx context.Context, key domain.QuoteKey) (domain.PriceQuote, error) {
	if q, ok := e.cache.Get(key); ok {
		return q, nil
	}

	ch := e.group.DoChan(key.String(), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.Timeout)
		defer cancel()
		return e.fetch(fetchCtx, key)
	})

	select {
	case <-ctx.Done():
		return domain.PriceQuote{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.PriceQuote{}, res.Err
		}
		return res.Val.(domain.PriceQuote), nil
	}
}

// Forget drops every cached quote.
func (e *PricingEngine) Forget() {
	e.cache.Purge()
}

func (e *PricingEngine) fetch(ctx context.Context, key domain.QuoteKey) (domain.PriceQuote, error) {
	var quote domain.PriceQuote

	backoff := retry.WithMaxRetries(e.opts.MaxRetries, retry.NewExponential(e.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		q, err := e.client.Quote(ctx, key)
		if err != nil {
			var unavailable *domain.BackendUnavailableError
			if errors.As(err, &unavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		quote = q
		return nil
	})
	if err != nil {
		return domain.PriceQuote{}, toPricingError(key, err)
	}

	quote.Key = key
	if quote.FetchedAt.IsZero() {
		quote.FetchedAt = time.Now().UTC()
	}
	e.cache.Add(key, quote)
	return quote, nil
}

func toPricingError(key domain.QuoteKey, err error) error {
	var pricingErr *domain.PricingUnavailableError
	if errors.As(err, &pricingErr) {
		if pricingErr.Key == (domain.QuoteKey{}) {
			pricingErr.Key = key
		}
		return pricingErr
	}

	var unavailable *domain.BackendUnavailableError
	retryable := errors.As(err, &unavailable) || errors.Is(err, context.DeadlineExceeded)
	return &domain.PricingUnavailableError{Key: key, Retryable: retryable, Err: err}
}
