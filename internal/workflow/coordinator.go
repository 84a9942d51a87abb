// Package workflow orchestrates one processing cycle: drain the mention
// feed, gate each notification against the ledger and the daily limit,
// invoke the decision and publish collaborators, and commit or compensate
// the aggregate so it never shows an action that did not become visible.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/skysnapco/skyreply/internal/config"
	"github.com/skysnapco/skyreply/internal/feed"
	"github.com/skysnapco/skyreply/internal/ledger"
	"github.com/skysnapco/skyreply/internal/notify"
	"github.com/skysnapco/skyreply/internal/ratelimit"
	"github.com/skysnapco/skyreply/internal/render"
	"github.com/skysnapco/skyreply/internal/stats"
	"github.com/skysnapco/skyreply/internal/vision"
)

// ErrCycleInFlight is returned when a cycle is requested while one is
// already running. The request is dropped, not queued; the next tick covers
// whatever this one would have seen.
var ErrCycleInFlight = errors.New("workflow: cycle already in flight")

// Deps are the collaborators the coordinator drives. Renderer and Notifier
// may be nil/Nop when their features are disabled.
type Deps struct {
	Source   feed.Source
	Content  feed.ContentRepo
	Engine   vision.Engine
	Pub      feed.Publisher
	Renderer render.Renderer
	Ledger   *ledger.Ledger
	Gate     *ratelimit.DailyGate
	Stats    *stats.Aggregator
	Notifier notify.Notifier
}

type Coordinator struct {
	d         Deps
	selfID    string
	freshness time.Duration
	signature string
	busy      atomic.Bool
	now       func() time.Time
}

func New(cfg *config.Config, d Deps) *Coordinator {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	return &Coordinator{
		d:         d,
		selfID:    cfg.Feed.SelfID,
		freshness: time.Duration(cfg.Reply.FreshnessHours) * time.Hour,
		signature: cfg.Reply.Signature,
		now:       time.Now,
	}
}

// SetClock overrides the coordinator's clock. Tests only.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Report summarizes one cycle for logs and operator alerts.
type Report struct {
	CycleID    string
	Fetched    int
	Duplicates int
	NoActs     int // terminal no-op decisions recorded this cycle
	Acted      int
	Retries    int // left unprocessed for the next cycle
}

func (r Report) String() string {
	return fmt.Sprintf("cycle %s: fetched=%d dup=%d noop=%d acted=%d retry=%d",
		r.CycleID, r.Fetched, r.Duplicates, r.NoActs, r.Acted, r.Retries)
}

type outcome int

const (
	outcomeDuplicate outcome = iota
	outcomeNoAct             // terminal business decision, ledger written
	outcomeActed             // reply posted, ledger written
	outcomeRetry             // left unprocessed, retried next cycle
)

// RunCycle performs one full pass over the pending feed. Only one cycle runs
// at a time; a concurrent request fails with ErrCycleInFlight.
func (c *Coordinator) RunCycle(ctx context.Context) (Report, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return Report{}, ErrCycleInFlight
	}
	defer c.busy.Store(false)

	report := Report{CycleID: uuid.NewString()[:8]}
	log.Printf("[workflow] cycle %s started", report.CycleID)

	pending, err := c.d.Source.FetchPending(ctx)
	if err != nil {
		return report, fmt.Errorf("fetch pending: %w", err)
	}
	report.Fetched = len(pending)

	// Feed order, sequentially. A failure in one notification never aborts
	// the rest of the cycle.
	for _, n := range pending {
		out, err := c.processOne(ctx, n)
		if err != nil {
			log.Printf("[workflow] notification %d: %v", n.ID, err)
		}
		switch out {
		case outcomeDuplicate:
			report.Duplicates++
		case outcomeNoAct:
			report.NoActs++
		case outcomeActed:
			report.Acted++
		case outcomeRetry:
			report.Retries++
		}
	}

	log.Printf("[workflow] %s", report)
	if report.Acted > 0 || report.Retries > 0 {
		c.d.Notifier.Notify(report.String())
	}
	return report, nil
}

func (c *Coordinator) processOne(ctx context.Context, n feed.Notification) (outcome, error) {
	done, err := c.d.Ledger.IsProcessed(n.ID)
	if err != nil {
		return outcomeRetry, err
	}
	if done {
		return outcomeDuplicate, nil
	}

	ref, err := feed.ResolveRef(n)
	if err != nil {
		// Permanent parse failure: record a sentinel so it never retries.
		if recErr := c.record(n, ledger.TargetUnparseable); recErr != nil {
			return outcomeRetry, recErr
		}
		log.Printf("[workflow] notification %d: unresolvable ref %q", n.ID, n.ContentRef)
		return outcomeNoAct, nil
	}

	detail, found, err := c.d.Content.FetchDetail(ctx, ref)
	if err != nil {
		return outcomeRetry, err
	}
	if !found {
		// Content gone or hidden; could reappear, so leave it eligible.
		return outcomeRetry, fmt.Errorf("content %s not available", ref)
	}

	targetID := detail.AuthorID
	if targetID == "" {
		if recErr := c.record(n, ledger.TargetInvalid); recErr != nil {
			return outcomeRetry, recErr
		}
		log.Printf("[workflow] notification %d: no author on %s", n.ID, ref)
		return outcomeNoAct, nil
	}

	if c.freshness > 0 && c.now().Sub(detail.PublishedAt) > c.freshness {
		if recErr := c.record(n, targetID); recErr != nil {
			return outcomeRetry, recErr
		}
		log.Printf("[workflow] notification %d: content %s stale", n.ID, ref)
		return outcomeNoAct, nil
	}

	images := detail.Images()
	if len(images) == 0 {
		if recErr := c.record(n, targetID); recErr != nil {
			return outcomeRetry, recErr
		}
		return outcomeNoAct, nil
	}

	limited, err := c.d.Gate.HasActedToday(targetID)
	if err != nil {
		return outcomeRetry, err
	}
	if limited {
		if recErr := c.record(n, targetID); recErr != nil {
			return outcomeRetry, recErr
		}
		log.Printf("[workflow] notification %d: %s already served today", n.ID, targetID)
		return outcomeNoAct, nil
	}

	if c.selfID != "" && detail.HasReplyFrom(c.selfID) {
		if recErr := c.record(n, targetID); recErr != nil {
			return outcomeRetry, recErr
		}
		log.Printf("[workflow] notification %d: reply already present on %s", n.ID, ref)
		return outcomeNoAct, nil
	}

	result, err := c.d.Engine.Evaluate(ctx, images)
	if err != nil {
		return outcomeRetry, err
	}

	rec := stats.ActionRecord{
		SubjectID:  ref,
		Timestamp:  c.now(),
		Categories: result.Categories,
		UnitCount:  len(images),
		Summary:    result.Summary,
	}

	// Tentative append. The posted reply is the real commit point; until it
	// confirms, this record must be rolled back on any failure.
	st, err := c.d.Stats.Append(targetID, detail.AuthorName, rec)
	if err != nil {
		return outcomeRetry, err
	}

	mediaPath := ""
	if c.d.Renderer != nil {
		path, rerr := c.d.Renderer.Render(st)
		if rerr != nil {
			// Text-only reply still goes out.
			log.Printf("[workflow] notification %d: render warning: %v", n.ID, rerr)
		} else {
			mediaPath = path
		}
	}

	if err := c.d.Pub.Publish(ctx, ref, c.composeReply(result), mediaPath); err != nil {
		if ok, rbErr := c.d.Stats.RollbackLast(targetID); rbErr != nil {
			// Drift is preferable to a crash loop here.
			log.Printf("[workflow] notification %d: rollback error: %v", n.ID, rbErr)
			c.d.Notifier.Notify(fmt.Sprintf("stats rollback failed for %s: %v", targetID, rbErr))
		} else if !ok {
			log.Printf("[workflow] notification %d: nothing to roll back for %s", n.ID, targetID)
		}
		return outcomeRetry, err
	}

	// The reply is externally visible now. A failed daily mark or ledger
	// write must not undo it; worst case is one extra attempt that the
	// reply-present gate stops.
	if err := c.d.Gate.MarkActedToday(targetID); err != nil {
		log.Printf("[workflow] notification %d: daily mark warning: %v", n.ID, err)
	}
	if err := c.record(n, targetID); err != nil {
		log.Printf("[workflow] notification %d: ledger write warning: %v", n.ID, err)
		c.d.Notifier.Notify(fmt.Sprintf("ledger write failed for event %d: %v", n.ID, err))
	}
	log.Printf("[workflow] notification %d: replied on %s for %s", n.ID, ref, targetID)
	return outcomeActed, nil
}

func (c *Coordinator) record(n feed.Notification, targetID string) error {
	return c.d.Ledger.Record(ledger.ProcessedEvent{
		EventID:     n.ID,
		TargetID:    targetID,
		ProcessedAt: c.now(),
		SourceActor: n.SourceActor,
		RawRef:      n.ContentRef,
	})
}

func (c *Coordinator) composeReply(result vision.Result) string {
	var sb strings.Builder
	sb.WriteString(result.Summary)
	for _, cat := range result.Categories {
		sb.WriteString(fmt.Sprintf("\n%s %.0f%%", cat.Label, cat.Confidence*100))
		if cat.Note != "" {
			sb.WriteString(" · " + cat.Note)
		}
	}
	if c.signature != "" {
		sb.WriteString("\n" + c.signature)
	}
	return sb.String()
}
