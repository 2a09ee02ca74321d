// Package monitor drives check cycles: fetch the friends page, diff against
// the persisted snapshot, dispatch a merged notification, and persist the new
// snapshot. It also owns the fixed-interval loop with quiet hours.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/linccl/iCity-Echo/message"
	"github.com/linccl/iCity-Echo/pkg/activity"
)

// Fetcher retrieves the current activity entries from the monitored page.
type Fetcher interface {
	Fetch(ctx context.Context) ([]*activity.RawEntry, error)
}

// Store persists snapshots between check cycles.
type Store interface {
	Load(ctx context.Context) (*activity.Snapshot, error)
	Save(ctx context.Context, snap *activity.Snapshot) error
}

// Sender dispatches composed notifications and operational alerts.
type Sender interface {
	Send(ctx context.Context, batch *message.Batch) error
	SendAlert(ctx context.Context, text string) error
}

// Outcome classifies what a single check cycle did.
type Outcome int

const (
	OutcomeSkippedQuiet Outcome = iota
	OutcomeLoadFailed
	OutcomeFetchFailed
	OutcomeSeeded
	OutcomeNoChange
	OutcomeNotified
	OutcomeDispatchFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkippedQuiet:
		return "skipped_quiet_hours"
	case OutcomeLoadFailed:
		return "state_load_failed"
	case OutcomeFetchFailed:
		return "fetch_failed"
	case OutcomeSeeded:
		return "seeded"
	case OutcomeNoChange:
		return "no_change"
	case OutcomeNotified:
		return "notified"
	case OutcomeDispatchFailed:
		return "dispatch_failed"
	default:
		return "unknown"
	}
}

// Options configures a Monitor.
type Options struct {
	Interval      time.Duration
	Quiet         QuietWindow
	Location      *time.Location
	Limits        message.Limits
	Normalize     activity.Options
	DryRun        bool
	AlertCooldown time.Duration

	// FatalFetch reports whether a fetch error means the session is dead
	// (expired cookie, ban) and the process should stop rather than retry
	// on the next cycle.
	FatalFetch func(error) bool
}

// Monitor runs check cycles against a fetcher, store and sender.
type Monitor struct {
	fetcher   Fetcher
	store     Store
	sender    Sender
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
	lastAlert map[string]time.Time
}

// New creates a Monitor. A nil Location falls back to the system timezone.
func New(fetcher Fetcher, store Store, sender Sender, opts Options, logger *slog.Logger) *Monitor {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.FatalFetch == nil {
		opts.FatalFetch = func(error) bool { return false }
	}

	return &Monitor{
		fetcher:   fetcher,
		store:     store,
		sender:    sender,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
	}
}

func (m *Monitor) localNow() time.Time {
	return m.now().In(m.opts.Location)
}

// RunOnce performs a single check cycle. In bootstrap mode the cycle runs
// even during quiet hours and never dispatches; it only records the current
// page as the baseline snapshot.
//
// The snapshot is persisted whenever a fetch succeeded, regardless of whether
// dispatch worked, so a flaky webhook cannot cause duplicate notifications.
// A returned error means the process should stop.
func (m *Monitor) RunOnce(ctx context.Context, bootstrap bool) (Outcome, error) {
	now := m.localNow()
	if !bootstrap && m.opts.Quiet.Contains(now) {
		m.logger.Info("Inside quiet hours, skipping check",
			"until_end", m.opts.Quiet.UntilEnd(now).Round(time.Second))
		return OutcomeSkippedQuiet, nil
	}

	snap, err := m.store.Load(ctx)
	if err != nil {
		return OutcomeLoadFailed, fmt.Errorf("load state: %w", err)
	}

	start := m.now()
	raw, err := m.fetcher.Fetch(ctx)
	if err != nil {
		if m.opts.FatalFetch(err) {
			m.logger.Error("Session rejected, stopping", "error", err)
			m.alert(ctx, "auth", fmt.Sprintf("【iCity 监控告警】登录态失效或被拒绝（%v），监控已停止，请更新 Cookie 后重启。", err))
			return OutcomeFetchFailed, fmt.Errorf("fetch: %w", err)
		}
		m.logger.Warn("Fetch failed, keeping previous state", "error", err)
		m.alert(ctx, "fetch", fmt.Sprintf("【iCity 监控告警】抓取好友动态失败：%v", err))
		return OutcomeFetchFailed, nil
	}

	records, order := activity.Normalize(raw, m.opts.Normalize, m.logger)
	diff := activity.Diff(snap, records, order)

	next := &activity.Snapshot{Records: records, LastCheckedAt: m.now().UTC()}

	var outcome Outcome
	switch {
	case bootstrap || snap.Empty():
		m.logger.Info("Baseline snapshot recorded, nothing dispatched",
			"records", len(records), "bootstrap", bootstrap)
		outcome = OutcomeSeeded
	case diff.Empty():
		outcome = OutcomeNoChange
	default:
		outcome = m.dispatch(ctx, diff)
	}

	if err := m.store.Save(ctx, next); err != nil {
		return outcome, fmt.Errorf("save state: %w", err)
	}

	m.logger.Info("Check cycle completed",
		"outcome", outcome.String(),
		"records", len(records),
		"added", len(diff.Added),
		"changed", len(diff.Changed),
		"duration_ms", m.now().Sub(start).Milliseconds())
	return outcome, nil
}

// dispatch composes and sends the notification for a non-empty diff.
func (m *Monitor) dispatch(ctx context.Context, diff *activity.DiffResult) Outcome {
	batch := message.Compose(diff, m.opts.Limits)
	if batch == nil {
		return OutcomeNoChange
	}

	if m.opts.DryRun {
		m.logger.Info("Dry run, notification not dispatched",
			"items", batch.ItemCount, "text", batch.Text)
		return OutcomeNotified
	}

	if err := m.sender.Send(ctx, batch); err != nil {
		m.logger.Error("Dispatch failed, snapshot persisted anyway",
			"items", batch.ItemCount, "error", err)
		return OutcomeDispatchFailed
	}
	return OutcomeNotified
}

// alert sends an operational alert, rate limited per kind so a persistent
// failure in loop mode does not spam the channel every cycle.
func (m *Monitor) alert(ctx context.Context, kind, text string) {
	now := m.now()
	if last, ok := m.lastAlert[kind]; ok && now.Sub(last) < m.opts.AlertCooldown {
		m.logger.Debug("Alert suppressed by cooldown", "kind", kind)
		return
	}
	m.lastAlert[kind] = now

	if m.opts.DryRun {
		m.logger.Info("Dry run, alert not dispatched", "kind", kind, "text", text)
		return
	}
	if err := m.sender.SendAlert(ctx, text); err != nil {
		m.logger.Warn("Alert dispatch failed", "kind", kind, "error", err)
	}
}

// RunLoop runs check cycles forever at the configured interval until ctx is
// canceled or a cycle returns a fatal error. During quiet hours it sleeps to
// the end of the window instead of polling.
func (m *Monitor) RunLoop(ctx context.Context) error {
	m.logger.Info("Entering loop mode",
		"interval", m.opts.Interval,
		"quiet_enabled", m.opts.Quiet.Enabled(),
		"timezone", m.opts.Location.String())

	for {
		outcome, err := m.RunOnce(ctx, false)
		if err != nil {
			return err
		}

		sleep := m.opts.Interval
		if outcome == OutcomeSkippedQuiet {
			if until := m.opts.Quiet.UntilEnd(m.localNow()); until > 0 && until < sleep {
				sleep = until
			}
		}

		if !m.sleep(ctx, sleep) {
			m.logger.Info("Stop requested, exiting loop")
			return nil
		}
	}
}

// sleep waits for d, returning false if ctx was canceled first.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
