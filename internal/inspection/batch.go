package inspection

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/siteqa/internal/apperr"
	"github.com/sells-group/siteqa/internal/conformance"
	"github.com/sells-group/siteqa/internal/model"
)

// Saver persists one conformance upsert. *conformance.Service satisfies it.
type Saver interface {
	Upsert(ctx context.Context, lotID, itemID string, f conformance.Fields) (*model.ConformanceRecord, error)
}

// Outcome classifies a whole batch.
type Outcome string

const (
	NothingToSave  Outcome = "nothing_to_save"
	AllSucceeded   Outcome = "all_succeeded"
	PartialFailure Outcome = "partial_failure"
	AllFailed      Outcome = "all_failed"
)

// SaveRequest is one upsert in a batch.
type SaveRequest struct {
	ItemID string             `json:"item_id"`
	Fields conformance.Fields `json:"fields"`
}

// ItemOutcome is the result of one request of a batch.
type ItemOutcome struct {
	ItemID string                   `json:"item_id"`
	Record *model.ConformanceRecord `json:"record,omitempty"`
	Code   apperr.Code              `json:"code,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// OK reports whether the item was saved.
func (o ItemOutcome) OK() bool { return o.Error == "" }

// BatchResult is the full per-item report of a batch save.
type BatchResult struct {
	Outcome   Outcome       `json:"outcome"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Items     []ItemOutcome `json:"items"`
	Message   string        `json:"message"`
}

// Failures returns the outcomes that did not save.
func (r BatchResult) Failures() []ItemOutcome {
	var out []ItemOutcome
	for _, it := range r.Items {
		if !it.OK() {
			out = append(out, it)
		}
	}
	return out
}

// Err converts a failed batch to a typed error: PARTIAL_BATCH_FAILURE when
// some items saved, otherwise the shared code of the failures.
func (r BatchResult) Err() error {
	switch r.Outcome {
	case PartialFailure:
		return apperr.New(apperr.CodePartialBatchFailure, "%s", r.Message)
	case AllFailed:
		code := apperr.CodePersistenceFailure
		failures := r.Failures()
		if len(failures) > 0 {
			code = failures[0].Code
			for _, f := range failures[1:] {
				if f.Code != code {
					code = apperr.CodePersistenceFailure
					break
				}
			}
		}
		return apperr.New(code, "%s", r.Message)
	}
	return nil
}

// BatchOptions tunes a batch wave.
type BatchOptions struct {
	// MaxConcurrent bounds in-flight upserts. Zero or less means unbounded.
	MaxConcurrent int
	// RatePerSec throttles upsert starts when positive.
	RatePerSec float64
}

// maxListedErrors caps how many distinct failure messages the batch message
// carries.
const maxListedErrors = 3

// SaveBatch fires every request concurrently and waits for all of them. One
// failing upsert never cancels the others. Items in the result follow the
// order of reqs.
func SaveBatch(ctx context.Context, saver Saver, lotID string, reqs []SaveRequest, opts BatchOptions) BatchResult {
	if len(reqs) == 0 {
		return BatchResult{Outcome: NothingToSave, Message: "no changes to save"}
	}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}

	items := make([]ItemOutcome, len(reqs))
	var g errgroup.Group
	if opts.MaxConcurrent > 0 {
		g.SetLimit(opts.MaxConcurrent)
	}
	for i, req := range reqs {
		g.Go(func() error {
			items[i] = saveOne(ctx, saver, limiter, lotID, req)
			return nil
		})
	}
	_ = g.Wait()

	return summarize(items)
}

func saveOne(ctx context.Context, saver Saver, limiter *rate.Limiter, lotID string, req SaveRequest) ItemOutcome {
	out := ItemOutcome{ItemID: req.ItemID}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			out.Code = apperr.CodePersistenceFailure
			out.Error = "save aborted: " + err.Error()
			return out
		}
	}
	rec, err := saver.Upsert(ctx, lotID, req.ItemID, req.Fields)
	if err != nil {
		out.Code = apperr.CodeOf(err)
		out.Error = apperr.Message(err)
		return out
	}
	out.Record = rec
	return out
}

func summarize(items []ItemOutcome) BatchResult {
	res := BatchResult{Items: items}
	var msgs []string
	seen := map[string]bool{}
	for _, it := range items {
		if it.OK() {
			res.Succeeded++
			continue
		}
		res.Failed++
		if !seen[it.Error] && len(msgs) < maxListedErrors {
			seen[it.Error] = true
			msgs = append(msgs, it.Error)
		}
	}

	total := len(items)
	switch {
	case res.Failed == 0:
		res.Outcome = AllSucceeded
		res.Message = fmt.Sprintf("saved %d %s", total, plural(total, "item"))
	case res.Succeeded == 0:
		res.Outcome = AllFailed
		res.Message = fmt.Sprintf("failed to save %d %s: %s", total, plural(total, "item"), strings.Join(msgs, "; "))
	default:
		res.Outcome = PartialFailure
		res.Message = fmt.Sprintf("saved %d of %d items, %d failed: %s",
			res.Succeeded, total, res.Failed, strings.Join(msgs, "; "))
	}
	return res
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
