package scraper

import (
	"context"
	"log/slog"
	"math"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

// Sweep pacing, in retry units.
const (
	SweepEntryDelay     = 0.2
	sweepRoundBase      = 2.0
	sweepRoundPerEntry  = 0.1
	sweepRoundDelayCeil = 10.0
)

// roundDelay is the pause before the next sweep round after a round of n entries.
func roundDelay(n int) float64 {
	return math.Min(sweepRoundBase+sweepRoundPerEntry*float64(n), sweepRoundDelayCeil)
}

// Sweep retries queued fetches without an attempt ceiling until the queue is empty.
// An entry or chain page that still fails is queued for the next round.
// On cancellation every unprocessed entry stays queued and ctx.Err() is returned.
func (s *Scraper) Sweep(ctx context.Context, sink RecordSink) error {
	queue := s.state.Failures
	policy := s.fetcher.unbounded

	for round := 1; queue.Len() > 0; round++ {
		batch := queue.Drain()
		slog.Info("retry sweep round",
			slog.Int("round", round),
			slog.Int("entries", len(batch)),
		)

		for i := range batch {
			if err := ctx.Err(); err != nil {
				queue.Push(batch[i:]...)
				return err
			}

			batch[i].Attempts++
			if err := s.resolve(ctx, &batch[i], sink); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					queue.Push(batch[i:]...)
					return ctxErr
				}
				slog.Warn("queued fetch still failing, keeping it for the next round",
					slog.String("venue", batch[i].VenueSlug),
					slog.Int("category_id", batch[i].CategoryID),
					slog.String("kind", string(batch[i].Kind)),
					slog.Any("error", err),
				)
				queue.Push(batch[i])
			}

			if err := sleepContext(ctx, policy.Duration(SweepEntryDelay)); err != nil {
				queue.Push(batch[i+1:]...)
				return err
			}
		}

		if pending := queue.Len(); pending > 0 {
			wait := policy.Duration(roundDelay(len(batch)))
			slog.Info("waiting before next sweep round",
				slog.Int("pending", pending),
				slog.Duration("wait", wait),
			)
			if err := sleepContext(ctx, wait); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolve fetches one queued entry and walks its pagination chain.
// It fails only when the entry itself could not be fetched.
func (s *Scraper) resolve(ctx context.Context, entry *models.FailedFetch, sink RecordSink) error {
	venue := s.venueFor(*entry)
	res, err := s.fetcher.FetchUnbounded(ctx, entry.URL)
	if err != nil {
		entry.LastError = err.Error()
		return err
	}

	s.state.RecoveredCount++
	s.Metrics.IncRecovered()

	if res.NotFound {
		if entry.Kind == models.FetchPagination {
			slog.Warn("queued pagination page not found",
				slog.String("venue", entry.VenueSlug),
				slog.Int("category_id", entry.CategoryID),
				slog.String("url", entry.URL),
			)
			return nil
		}
		slog.Info("queued category resolved as not found",
			slog.String("venue", entry.VenueSlug),
			slog.Int("category_id", entry.CategoryID),
		)
		return nil
	}

	slog.Info("queued fetch recovered",
		slog.String("venue", entry.VenueSlug),
		slog.Int("category_id", entry.CategoryID),
		slog.String("kind", string(entry.Kind)),
		slog.Int("attempts", entry.Attempts),
	)
	token := s.process(res.Page, venue, sink)
	primary := entry.URL
	if entry.Kind == models.FetchPagination {
		primary = venue.URL(entry.CategoryID)
	}
	// A chain failure is queued by followPagination; the entry itself is resolved either way.
	_ = s.followPagination(ctx, venue, entry.CategoryID, primary, token, sink, s.fetcher.FetchUnbounded)
	return nil
}
