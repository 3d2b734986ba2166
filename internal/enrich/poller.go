package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/resultcache"
)

const (
	DefaultRetryInterval = 10 * time.Second
	DefaultMaxAttempts   = 6
)

// Poller retries enrichment for cached partial results on a fixed cadence
// until the record is complete or the attempt budget is exhausted. Either
// way the reconciled result is persisted; enrichment failure never discards
// the partial data already in hand.
type Poller struct {
	cache   *resultcache.Cache
	fetcher *Fetcher
	saver   calls.ResultSaver

	retryInterval time.Duration
	maxAttempts   int

	log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration)

	wg sync.WaitGroup
}

func NewPoller(cache *resultcache.Cache, fetcher *Fetcher, saver calls.ResultSaver, retryInterval time.Duration, maxAttempts int, log *slog.Logger) *Poller {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		cache:         cache,
		fetcher:       fetcher,
		saver:         saver,
		retryInterval: retryInterval,
		maxAttempts:   maxAttempts,
		log:           log,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Watch starts enriching one cached call in the background.
func (p *Poller) Watch(ctx context.Context, callID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.enrich(ctx, callID)
	}()
}

// Wait blocks until every in-flight enrichment loop has finished. Used by
// shutdown and tests.
func (p *Poller) Wait() { p.wg.Wait() }

// enrich drives one call through the cache state machine to a terminal
// data status.
func (p *Poller) enrich(ctx context.Context, callID string) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		cached, ok := p.cache.Get(callID)
		if !ok {
			// Expired or evicted; nothing left to enrich.
			return
		}
		if cached.DataStatus.Terminal() || cached.DataStatus == "" {
			return
		}

		p.cache.UpdateFetchStatus(callID, calls.DataStatusFetching, "")

		rec, err := p.fetcher.Fetch(ctx, callID)
		if err != nil {
			p.log.Warn("enrichment fetch failed", "call_id", callID, "attempt", attempt, "err", err)
			p.cache.UpdateFetchStatus(callID, calls.DataStatusPartial, "")
			p.sleep(ctx, p.retryInterval)
			continue
		}

		if p.fetcher.IsComplete(rec) {
			if _, ok := p.cache.MergeEnrichedData(callID, p.fetcher.Incoming(rec)); !ok {
				return
			}
			p.cache.UpdateFetchStatus(callID, calls.DataStatusComplete, "")
			p.persist(ctx, callID)
			return
		}

		// Not complete yet: keep the webhook partial untouched and retry.
		p.log.Debug("record not yet complete", "call_id", callID, "attempt", attempt, "transcript_len", len(rec.Transcript))
		p.cache.UpdateFetchStatus(callID, calls.DataStatusPartial, "")
		p.sleep(ctx, p.retryInterval)
	}

	// Budget exhausted: the best-available partial data is treated as
	// final.
	p.cache.UpdateFetchStatus(callID, calls.DataStatusFetchFailed, "enrichment retry budget exhausted")
	p.log.Warn("enrichment gave up; persisting partial result", "call_id", callID)
	p.persist(ctx, callID)
}

func (p *Poller) persist(ctx context.Context, callID string) {
	if p.saver == nil {
		return
	}
	res, ok := p.cache.Get(callID)
	if !ok {
		return
	}
	if err := p.saver.SaveResult(ctx, res, res.Request); err != nil {
		p.log.Error("enriched result persistence failed", "call_id", callID, "err", err)
	}
}
