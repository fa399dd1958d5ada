// Package rpc is the shared harness every remote call goes through: a
// client-side throttle spacing outgoing calls, exponential backoff with
// jitter for transient failures, and a per-run read cache for spreadsheet
// tabs.
package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"voyageingest/internal/errs"
)

// Options tunes the harness. Zero values fall back to the documented
// defaults.
type Options struct {
	MaxRetries  int           // attempts after the first call
	BackoffBase time.Duration // first backoff interval
	BackoffMax  time.Duration // cap per sleep
	MinInterval time.Duration // client-side spacing between outgoing calls
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 800 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	return o
}

// Harness executes remote calls with retry, backoff and throttling. Safe
// for concurrent use; the media worker pool shares one harness with the
// serial writers.
type Harness struct {
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger

	// sleep is swapped out by tests.
	sleep func(context.Context, time.Duration) error
}

// New builds a harness. A zero MinInterval disables the throttle.
func New(opts Options, log *zap.Logger) *Harness {
	opts = opts.withDefaults()
	var lim *rate.Limiter
	if opts.MinInterval > 0 {
		// Burst of 1: each Wait admits exactly one outgoing call.
		lim = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	return &Harness{opts: opts, limiter: lim, log: log, sleep: sleepCtx}
}

// Do invokes fn, retrying while the error classifies as transient. Each
// attempt waits for the throttle first. A server-indicated Retry-After
// overrides the computed backoff. Non-retryable errors propagate
// immediately; exhausted retries surface as a RemoteFailure.
func (h *Harness) Do(ctx context.Context, label string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.opts.BackoffBase
	bo.MaxInterval = h.opts.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0 // retries are bounded by count, not wall time
	bo.Reset()

	for attempt := 0; ; attempt++ {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return errs.RemoteFailure(label, err)
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		cerr := errs.Classify(label, err)
		if !cerr.Retryable {
			return cerr
		}
		if attempt >= h.opts.MaxRetries {
			out := errs.RemoteFailure(label, cerr)
			out.Status = cerr.Status
			return out
		}
		wait := bo.NextBackOff()
		if wait > h.opts.BackoffMax {
			wait = h.opts.BackoffMax
		}
		if cerr.RetryIn > 0 {
			wait = cerr.RetryIn
		}
		h.log.Warn("remote call throttled, backing off",
			zap.String("op", label),
			zap.Int("status", cerr.Status),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", h.opts.MaxRetries),
			zap.Duration("sleep", wait))
		if err := h.sleep(ctx, wait); err != nil {
			return errs.RemoteFailure(label, err)
		}
	}
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, h *Harness, label string, fn func() (T, error)) (T, error) {
	var out T
	err := h.Do(ctx, label, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TabKey addresses one spreadsheet tab in the read cache.
type TabKey struct {
	SpreadsheetID string
	Title         string
}

// TabCache holds the rows of spreadsheet tabs read during this run so no
// tab is fetched twice. Reads may come from any media worker; writers
// invalidate only the tab they changed.
type TabCache struct {
	mu   sync.RWMutex
	tabs map[TabKey][][]string
}

// NewTabCache returns an empty cache.
func NewTabCache() *TabCache {
	return &TabCache{tabs: make(map[TabKey][][]string)}
}

// Get returns the cached rows for key, if present.
func (c *TabCache) Get(key TabKey) ([][]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rows, ok := c.tabs[key]
	return rows, ok
}

// Set stores rows for key.
func (c *TabCache) Set(key TabKey, rows [][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tabs[key] = rows
}

// InvalidateKey drops a single tab from the cache.
func (c *TabCache) InvalidateKey(key TabKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tabs, key)
}
