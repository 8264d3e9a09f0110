// Package enrich fetches secondary detail data per movement under a bounded
// worker pool with a per-account circuit breaker. Movements are never
// dropped: the worst case is an unmodified pass-through.
package enrich

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jordimassana/bankfeed/internal/domain"
	"github.com/jordimassana/bankfeed/pkg/logger"
	"github.com/jordimassana/bankfeed/pkg/retry"
)

const (
	// DefaultWorkers is deliberately small: many portal backends reject
	// concurrent detail requests on one session.
	DefaultWorkers = 2

	// MaxWorkers caps the pool regardless of configuration.
	MaxWorkers = 4

	// TransientRetries bounds retries of a transient fetch failure.
	TransientRetries = 3

	// DefaultFaultCeiling is the critical-fault count that trips the
	// per-account circuit breaker.
	DefaultFaultCeiling = 5
)

// FetchFunc fetches detail data for one movement and classifies the result.
type FetchFunc func(ctx context.Context, mov domain.Movement) (domain.Movement, domain.FetchOutcome, error)

// Breaker is the per-account circuit breaker: a shared fault counter plus a
// flag that, once set, degrades all remaining enrichment to pass-through.
type Breaker struct {
	faults  atomic.Int64
	open    atomic.Bool
	ceiling int64
}

func NewBreaker(ceiling int) *Breaker {
	if ceiling <= 0 {
		ceiling = DefaultFaultCeiling
	}
	return &Breaker{ceiling: int64(ceiling)}
}

// RecordFault counts one critical fault and trips the breaker at the
// ceiling.
func (b *Breaker) RecordFault() {
	if b.faults.Add(1) >= b.ceiling {
		b.open.Store(true)
	}
}

// Tripped reports whether further enrichment for the account should degrade
// to pass-through.
func (b *Breaker) Tripped() bool {
	return b.open.Load()
}

// Faults returns the recorded critical-fault count.
func (b *Breaker) Faults() int {
	return int(b.faults.Load())
}

type Pipeline struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Pipeline {
	return &Pipeline{log: log}
}

// Enrich runs fetch for each movement under workerCount workers. Results are
// written back by original index, never by completion order, so the output
// ordering always matches the input. A movement is returned unmodified when
// the breaker is tripped, the context is canceled, the fetch outcome is
// permanently benign, or the fetch keeps failing.
func (p *Pipeline) Enrich(ctx context.Context, movements []domain.Movement, fetch FetchFunc, workerCount int, breaker *Breaker) []domain.Movement {
	results := make([]domain.Movement, len(movements))
	copy(results, movements)
	if len(movements) == 0 {
		return results
	}

	if workerCount <= 0 {
		workerCount = DefaultWorkers
	}
	if workerCount > MaxWorkers {
		workerCount = MaxWorkers
	}
	if breaker == nil {
		breaker = NewBreaker(DefaultFaultCeiling)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				// Cooperative degradation: in-flight work is not
				// pre-empted, but no new fetch starts once the breaker is
				// tripped or the caller canceled.
				if ctx.Err() != nil || breaker.Tripped() {
					continue
				}
				if enriched, ok := p.fetchOne(ctx, movements[idx], fetch, breaker); ok {
					results[idx] = enriched
				}
			}
		}()
	}

	for idx := range movements {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	if breaker.Tripped() {
		p.log.Warn(ctx, "Enrichment circuit breaker tripped, remaining movements passed through",
			"faults", breaker.Faults(),
		)
	}
	return results
}

// fetchOne retries transient failures and classifies the terminal outcome.
// ok is false when the movement must pass through unmodified.
func (p *Pipeline) fetchOne(ctx context.Context, mov domain.Movement, fetch FetchFunc, breaker *Breaker) (domain.Movement, bool) {
	var (
		enriched domain.Movement
		outcome  domain.FetchOutcome
	)

	err := retry.Do(ctx, func() error {
		m, out, fetchErr := fetch(ctx, mov)
		if out == domain.FetchTransient {
			if fetchErr == nil {
				fetchErr = fmt.Errorf("transient detail fetch failure")
			}
			return fetchErr
		}
		enriched, outcome = m, out
		return nil
	}, retry.WithMaxAttempts(TransientRetries), retry.WithBaseDelay(200*time.Millisecond))

	if err != nil {
		// Transient retries exhausted: counts as a critical fault.
		breaker.RecordFault()
		p.log.Warn(ctx, "Detail fetch kept failing, movement passed through",
			"movement_key", mov.NaturalKey(),
			"error", err.Error(),
		)
		return mov, false
	}

	switch outcome {
	case domain.FetchOK:
		return enriched, true
	case domain.FetchPermanentBenign:
		// "No permission" / "no data yet" markers: nothing to enrich.
		return mov, false
	case domain.FetchCritical:
		breaker.RecordFault()
		return mov, false
	default:
		return mov, false
	}
}
