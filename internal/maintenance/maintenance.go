// Package maintenance keeps the data directory bounded: it prunes and
// archives idle transcripts, trims long ones, enforces a disk cap and
// expires daily logs and audit rows.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/seabone/internal/transcript"
)

// Policy bounds the data directory. A zero field disables its step.
type Policy struct {
	PruneAfterDays     int
	MaxEntries         int
	MaxDiskMB          int
	LogRetentionDays   int
	Archive            bool
	AuditRetentionDays int
}

// LogPruner removes daily logs past retention.
type LogPruner interface {
	PruneDailyLogs(retentionDays int) (int, error)
}

// AuditPruner deletes audit rows older than a cutoff.
type AuditPruner interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

// Report summarizes one maintenance run.
type Report struct {
	Pruned         []string `json:"pruned"`
	Archived       []string `json:"archived"`
	Trimmed        []string `json:"trimmed"`
	TrimmedEntries int      `json:"trimmed_entries"`
	CapRemoved     []string `json:"cap_removed"`
	Busy           []string `json:"busy"`
	LogsRemoved    int      `json:"logs_removed"`
	AuditRemoved   int64    `json:"audit_removed"`
	Errors         []string `json:"errors,omitempty"`
}

type Options struct {
	Store      *transcript.Store
	Logs       LogPruner
	Audit      AuditPruner
	Policy     Policy
	ArchiveDir string
	Clock      func() time.Time
	Logger     *slog.Logger
}

type Maintainer struct {
	store      *transcript.Store
	logs       LogPruner
	audit      AuditPruner
	archiveDir string
	clock      func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex
	policy Policy
}

func New(opts Options) *Maintainer {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Maintainer{
		store:      opts.Store,
		logs:       opts.Logs,
		audit:      opts.Audit,
		policy:     opts.Policy,
		archiveDir: opts.ArchiveDir,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
}

// SetPolicy replaces the policy used by subsequent runs.
func (m *Maintainer) SetPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

func (m *Maintainer) currentPolicy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// Maintain runs maintenance and reports only whether it failed, for use as
// the scheduler's maintenance callback.
func (m *Maintainer) Maintain(ctx context.Context) error {
	_, err := m.Run(ctx)
	return err
}

// Run executes every maintenance step in order. Steps are independent: a
// failing step is recorded in the report and the rest still run. The
// returned error joins the step failures.
func (m *Maintainer) Run(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
		p    = m.currentPolicy()
	)
	fail := func(step string, err error) {
		err = fmt.Errorf("%s: %w", step, err)
		errs = append(errs, err)
		rep.Errors = append(rep.Errors, err.Error())
		m.logger.Warn("maintenance step failed", "step", step, "error", err)
	}

	if err := m.sessions(ctx, p, &rep); err != nil {
		fail("sessions", err)
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if err := m.diskCap(p, &rep); err != nil {
		fail("disk cap", err)
	}

	if m.logs != nil && p.LogRetentionDays > 0 {
		n, err := m.logs.PruneDailyLogs(p.LogRetentionDays)
		rep.LogsRemoved = n
		if err != nil {
			fail("daily logs", err)
		}
	}

	if m.audit != nil && p.AuditRetentionDays > 0 {
		cutoff := m.clock().AddDate(0, 0, -p.AuditRetentionDays)
		n, err := m.audit.PruneBefore(cutoff)
		rep.AuditRemoved = n
		if err != nil {
			fail("audit", err)
		}
	}

	m.logger.Info("maintenance finished",
		"pruned", len(rep.Pruned),
		"archived", len(rep.Archived),
		"trimmed", len(rep.Trimmed),
		"cap_removed", len(rep.CapRemoved),
		"busy", len(rep.Busy),
		"logs_removed", rep.LogsRemoved,
		"audit_removed", rep.AuditRemoved,
	)
	return rep, errors.Join(errs...)
}

// sessions prunes transcripts idle past the prune window and trims the
// rest. Sessions in use are left alone.
func (m *Maintainer) sessions(ctx context.Context, p Policy, rep *Report) error {
	files, err := m.store.List()
	if err != nil {
		return err
	}
	var cutoff time.Time
	if p.PruneAfterDays > 0 {
		cutoff = m.clock().AddDate(0, 0, -p.PruneAfterDays)
	}

	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !cutoff.IsZero() && f.ModTime.Before(cutoff) {
			if err := m.remove(f, p, rep); err != nil {
				if errors.Is(err, transcript.ErrBusy) {
					rep.Busy = append(rep.Busy, f.Key)
					continue
				}
				errs = append(errs, err)
				continue
			}
			rep.Pruned = append(rep.Pruned, f.Key)
			continue
		}

		if p.MaxEntries <= 0 {
			continue
		}
		dropped, err := m.store.Session(f.Key).Trim(p.MaxEntries)
		switch {
		case errors.Is(err, transcript.ErrBusy):
			rep.Busy = append(rep.Busy, f.Key)
		case err != nil:
			errs = append(errs, fmt.Errorf("trimming %s: %w", f.Key, err))
		case dropped > 0:
			rep.Trimmed = append(rep.Trimmed, f.Key)
			rep.TrimmedEntries += dropped
			m.logger.Info("session trimmed", "session", f.Key, "dropped", dropped)
		}
	}
	return errors.Join(errs...)
}

// diskCap removes the oldest transcripts until the total size fits the cap.
func (m *Maintainer) diskCap(p Policy, rep *Report) error {
	if p.MaxDiskMB <= 0 {
		return nil
	}
	files, err := m.store.List()
	if err != nil {
		return err
	}
	limit := int64(p.MaxDiskMB) * 1024 * 1024
	var total int64
	for _, f := range files {
		total += f.Size
	}

	var errs []error
	for _, f := range files {
		if total <= limit {
			break
		}
		if err := m.remove(f, p, rep); err != nil {
			if errors.Is(err, transcript.ErrBusy) {
				rep.Busy = append(rep.Busy, f.Key)
				continue
			}
			errs = append(errs, err)
			continue
		}
		total -= f.Size
		rep.CapRemoved = append(rep.CapRemoved, f.Key)
		m.logger.Info("session removed by disk cap", "session", f.Key, "bytes", f.Size)
	}
	if total > limit {
		m.logger.Warn("sessions still over disk cap", "bytes", total, "limit", limit)
	}
	return errors.Join(errs...)
}

// remove archives (if enabled) and deletes one transcript under its lock.
func (m *Maintainer) remove(f transcript.FileInfo, p Policy, rep *Report) error {
	sess := m.store.Session(f.Key)
	if err := sess.TryLock(); err != nil {
		return err
	}
	defer sess.Unlock()

	if p.Archive && m.archiveDir != "" {
		dst, err := archive(f.Path, m.archiveDir, f.Key, m.clock())
		if err != nil {
			return fmt.Errorf("archiving %s: %w", f.Key, err)
		}
		rep.Archived = append(rep.Archived, f.Key)
		m.logger.Debug("session archived", "session", f.Key, "archive", dst)
	}
	if err := m.store.Remove(f.Key); err != nil {
		return err
	}
	return nil
}
