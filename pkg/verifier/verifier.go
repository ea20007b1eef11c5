// Package verifier runs batch health tests over registered API entries and
// streams progress events to the caller. Entries are tested concurrently
// across sites but strictly sequentially within one site, with a pacing
// delay between requests to the same host.
package verifier

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
	"github.com/Zhalslar/api-aggregator/pkg/fetch"
)

const previewLimit = 220

// Fetcher issues a raw probe request for an entry
type Fetcher interface {
	Probe(ctx context.Context, entry *domain.APIEntry) *fetch.Result
}

// ValidityStore persists the validity flags computed by a batch run
type ValidityStore interface {
	SetValid(ctx context.Context, names []string, valid bool) (updated, unknown []string, err error)
}

// Verifier streams batch test events and records the outcome
type Verifier struct {
	fetcher   Fetcher
	validity  ValidityStore
	pacing    time.Duration
	sanitizer *bluemonday.Policy
}

// New creates a verifier. Pacing is the delay between two requests to the
// same site, zero or negative selects the 200ms default.
func New(fetcher Fetcher, validity ValidityStore, pacing time.Duration) *Verifier {
	if pacing <= 0 {
		pacing = 200 * time.Millisecond
	}
	return &Verifier{fetcher: fetcher, validity: validity, pacing: pacing, sanitizer: bluemonday.StrictPolicy()}
}

// Stream tests the given entries and returns a channel of events: one start,
// one progress per entry, one done. The channel is buffered for the whole
// stream, so a consumer that disconnects early never blocks the workers.
// The batch itself always runs to completion, ctx cancellation only stops
// the consumer from reading. The channel is closed after the done event.
func (v *Verifier) Stream(ctx context.Context, entries []*domain.APIEntry) <-chan Event {
	events := make(chan Event, len(entries)+2)
	go v.run(ctx, entries, events)
	return events
}

type outcome struct {
	entry  *domain.APIEntry
	result *fetch.Result
}

func (v *Verifier) run(ctx context.Context, entries []*domain.APIEntry, events chan<- Event) {
	defer close(events)

	// the consumer's context must not cut the batch short: validity flags
	// are written from the outcomes, so every entry has to be probed. The
	// buffered event channel absorbs events nobody reads anymore.
	ctx = context.WithoutCancel(ctx)

	total := len(entries)
	events <- Start{Total: total}
	if total == 0 {
		events <- Done{Valid: []string{}, Invalid: []string{}}
		return
	}

	// partition by site so each host sees sequential, paced requests
	groups := map[string][]*domain.APIEntry{}
	for _, e := range entries {
		base := e.BaseURL()
		groups[base] = append(groups[base], e)
	}

	results := make(chan outcome, total)
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(list []*domain.APIEntry) {
			defer wg.Done()
			for i, e := range list {
				results <- outcome{entry: e, result: v.fetcher.Probe(ctx, e)}
				if i < len(list)-1 {
					time.Sleep(v.pacing)
				}
			}
		}(group)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	completed := 0
	passed := map[string]bool{}
	for out := range results {
		completed++
		ok := out.result.Valid()
		passed[out.entry.Name] = ok
		events <- Progress{
			Name:        out.entry.Name,
			URL:         out.entry.URL,
			Completed:   completed,
			Total:       total,
			Valid:       ok,
			Status:      out.result.Status,
			ContentType: out.result.ContentType,
			FinalURL:    out.result.FinalURL,
			Reason:      out.result.TestReason(),
			Preview:     v.sanitizer.Sanitize(out.result.Preview(previewLimit)),
		}
	}

	// partition in submission order
	valid := []string{}
	invalid := []string{}
	for _, e := range entries {
		if passed[e.Name] {
			valid = append(valid, e.Name)
			continue
		}
		invalid = append(invalid, e.Name)
	}

	v.record(ctx, valid, true)
	v.record(ctx, invalid, false)

	events <- Done{
		Total:        total,
		Completed:    completed,
		Valid:        valid,
		Invalid:      invalid,
		SuccessCount: len(valid),
		FailCount:    len(invalid),
	}
}

func (v *Verifier) record(ctx context.Context, names []string, valid bool) {
	if len(names) == 0 {
		return
	}
	if _, _, err := v.validity.SetValid(ctx, names, valid); err != nil {
		log.Printf("[WARN] batch test: persisting valid=%t for %d entries failed: %v", valid, len(names), err)
	}
}
