package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/seabone/internal/transcript"
)

// Reset modes.
const (
	ResetManual = "manual"
	ResetDaily  = "daily"
	ResetIdle   = "idle"
)

// ResetPolicy decides when a session starts over on its own.
type ResetPolicy struct {
	Mode string
	// Hour of day (UTC) at which daily sessions reset.
	Hour int
	// Idle is the inactivity after which idle sessions reset.
	Idle time.Duration
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Store    *transcript.Store
	Loop     *Loop
	Reset    ResetPolicy
	LockWait time.Duration
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Dispatcher is the entry point for inputs: it takes the session lock,
// applies the reset policy and runs the loop.
type Dispatcher struct {
	store    *transcript.Store
	loop     *Loop
	reset    ResetPolicy
	lockWait time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reset.Mode == "" {
		opts.Reset.Mode = ResetManual
	}
	return &Dispatcher{
		store:    opts.Store,
		loop:     opts.Loop,
		reset:    opts.Reset,
		lockWait: opts.LockWait,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
}

// Deliver runs input through the session key. It waits up to the lock wait
// for a session in use and returns transcript.ErrBusy if it stays locked.
func (d *Dispatcher) Deliver(ctx context.Context, key, input string, allowed AllowList) (string, error) {
	sess := d.store.Session(key)
	if err := sess.LockWithin(ctx, d.lockWait); err != nil {
		return "", err
	}
	defer sess.Unlock()
	return d.respond(ctx, sess, "", input, allowed)
}

// Inject is Deliver for background sources: it never waits for the lock,
// and records systemNote ahead of the input so the transcript shows where
// the input came from.
func (d *Dispatcher) Inject(ctx context.Context, key, systemNote, input string) (string, error) {
	sess := d.store.Session(key)
	if err := sess.TryLock(); err != nil {
		return "", err
	}
	defer sess.Unlock()
	return d.respond(ctx, sess, systemNote, input, nil)
}

func (d *Dispatcher) respond(ctx context.Context, sess *transcript.Session, note, input string, allowed AllowList) (string, error) {
	if err := d.applyReset(sess); err != nil {
		d.logger.Warn("applying reset policy failed", "session", sess.Key(), "error", err)
	}
	if note != "" {
		if err := sess.Append(transcript.Entry{Role: transcript.RoleSystem, Content: note}); err != nil {
			return "", fmt.Errorf("appending system note: %w", err)
		}
	}
	return d.loop.Respond(ctx, sess, input, allowed)
}

// Compact marks the session compacted. With flush, durable facts are first
// extracted to memory and the marker is only written if that succeeds; it
// reports whether the marker was written.
func (d *Dispatcher) Compact(ctx context.Context, key string, flush bool) (bool, error) {
	sess := d.store.Session(key)
	if err := sess.LockWithin(ctx, d.lockWait); err != nil {
		return false, err
	}
	defer sess.Unlock()

	if flush {
		return d.loop.compact(ctx, sess), nil
	}
	if err := sess.Compact(); err != nil {
		return false, fmt.Errorf("compacting %s: %w", key, err)
	}
	return true, nil
}

// History returns the reconstructed view of a session under policy.
func (d *Dispatcher) History(key string, p transcript.Policy) ([]transcript.Message, error) {
	return d.store.Session(key).Reconstruct(p)
}

// applyReset compacts the session when the reset policy says it is stale.
func (d *Dispatcher) applyReset(sess *transcript.Session) error {
	if d.reset.Mode == ResetManual {
		return nil
	}
	last, err := sess.LastActivity()
	if err != nil {
		return err
	}
	if last.IsZero() || !d.shouldReset(last, d.clock()) {
		return nil
	}
	if err := sess.Compact(); err != nil {
		return fmt.Errorf("resetting session: %w", err)
	}
	d.logger.Info("session reset", "session", sess.Key(), "mode", d.reset.Mode, "last_activity", last)
	return nil
}

func (d *Dispatcher) shouldReset(last, now time.Time) bool {
	switch d.reset.Mode {
	case ResetDaily:
		return last.Before(dailyBoundary(now, d.reset.Hour))
	case ResetIdle:
		return d.reset.Idle > 0 && now.Sub(last) > d.reset.Idle
	default:
		return false
	}
}

// dailyBoundary returns the most recent reset hour at or before now, in UTC.
func dailyBoundary(now time.Time, hour int) time.Time {
	now = now.UTC()
	b := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if b.After(now) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}
