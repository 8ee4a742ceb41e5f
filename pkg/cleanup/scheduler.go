// Package cleanup enforces retention over isolated browser profiles. It runs
// at process start and stop, never while sessions are being served.
package cleanup

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/entrhq/notebook-bridge/pkg/logging"
	"github.com/entrhq/notebook-bridge/pkg/metrics"
	"github.com/entrhq/notebook-bridge/pkg/profile"
)

// Store is the view of the profile allocator the scheduler needs.
type Store interface {
	Instances() ([]profile.Instance, error)
	Remove(id string) error
}

// Options configures a Scheduler.
type Options struct {
	TTL      time.Duration
	MaxCount int
	// DryRun reports what would be deleted without deleting.
	DryRun bool
	// OnRemove runs after a profile was deleted, to drop state tied to it.
	OnRemove func(profileID string)

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Removal describes one deleted (or, in a dry run, deletable) profile.
type Removal struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Bytes  int64  `json:"bytes"`
}

// Report is the result of one sweep.
type Report struct {
	Deleted    []Removal `json:"deleted"`
	Kept       int       `json:"kept"`
	Errors     []string  `json:"errors,omitempty"`
	FreedBytes int64     `json:"freed_bytes"`
	DryRun     bool      `json:"dry_run"`
}

// Scheduler deletes expired and surplus isolated profiles.
type Scheduler struct {
	store Store
	opts  Options
	log   *logging.Logger
}

// New creates a Scheduler over store.
func New(store Store, opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Scheduler{store: store, opts: opts, log: opts.Logger}
}

// Run sweeps once. Unlocked isolated profiles older than the TTL, or marked
// for cleanup on release, are deleted first; then the oldest unlocked ones
// are deleted until at most MaxCount remain. Locked profiles and the base
// profile are never touched.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	report := Report{DryRun: s.opts.DryRun}
	instances, err := s.store.Instances()
	if err != nil {
		return report, err
	}
	now := s.opts.Now()

	var remaining []profile.Instance
	for _, inst := range instances {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		reason := ""
		switch {
		case inst.Locked:
		case inst.Marked:
			reason = "marked"
		case s.opts.TTL > 0 && now.Sub(inst.CreatedAt) > s.opts.TTL:
			reason = "expired"
		}
		if reason == "" || !s.remove(inst, reason, &report) {
			remaining = append(remaining, inst)
		}
	}

	if s.opts.MaxCount > 0 {
		excess := len(remaining) - s.opts.MaxCount
		var kept []profile.Instance
		for _, inst := range remaining {
			if excess > 0 && !inst.Locked {
				if err := ctx.Err(); err != nil {
					return report, err
				}
				if s.remove(inst, "over limit", &report) {
					excess--
					continue
				}
			}
			kept = append(kept, inst)
		}
		remaining = kept
	}

	report.Kept = len(remaining)
	s.opts.Metrics.ProfilesRemoved(len(report.Deleted))
	if len(report.Deleted) > 0 || len(report.Errors) > 0 {
		s.log.Infof("profile cleanup: %d deleted (%s), %d kept, %d errors",
			len(report.Deleted), FormatBytes(report.FreedBytes), report.Kept, len(report.Errors))
	}
	return report, nil
}

func (s *Scheduler) remove(inst profile.Instance, reason string, report *Report) bool {
	size := dirSize(inst.Path)
	if !s.opts.DryRun {
		if err := s.store.Remove(inst.ID); err != nil {
			s.log.Warnf("failed to delete profile %s: %v", inst.ID, err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", inst.ID, err))
			return false
		}
		if s.opts.OnRemove != nil {
			s.opts.OnRemove(inst.ID)
		}
		s.log.Debugf("deleted profile %s (%s)", inst.ID, reason)
	}
	report.Deleted = append(report.Deleted, Removal{ID: inst.ID, Path: inst.Path, Reason: reason, Bytes: size})
	report.FreedBytes += size
	return true
}

func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	if n == 0 {
		return "0 Bytes"
	}
	v := float64(n)
	for _, unit := range []string{"Bytes", "KB", "MB", "GB"} {
		if v < 1024 {
			return fmt.Sprintf("%.2f %s", v, unit)
		}
		v /= 1024
	}
	return fmt.Sprintf("%.2f TB", v)
}
