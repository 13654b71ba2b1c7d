// Package scheduler implements the wall-clock time-table matcher behind
// scheduled-mode runs, per spec §4.M. It owns the tick loop; the caller
// supplies the run function and the hook executor. Fire-at-most-once-per-
// slot-per-day bookkeeping is a plain map from each slot to the local date
// it last fired on — no
// teacher package covers wall-clock scheduling (the teacher's own
// scheduling lived outside the snapshot taken for this repo), so the
// shape here is original but composes with the already-grounded
// pkg/lockfile (single-instance locking) and pkg/hook (pre/post hooks).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pixelgardenlabs/pglb/pkg/plog"
)

// Slot is one scheduled time-of-day, "HH:MM" in local time.
type Slot struct {
	Hour   int
	Minute int
}

func (s Slot) String() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute) }

// ParseSlot parses "HH:MM" into a Slot.
func ParseSlot(s string) (Slot, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Slot{}, fmt.Errorf("scheduler: invalid time slot %q: %w", s, err)
	}
	return Slot{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// RunFunc performs one scheduled backup run.
type RunFunc func(ctx context.Context) error

// Scheduler fires RunFunc at most once per configured slot per local day,
// within toleranceMinutes of the slot, per spec §4.M.
type Scheduler struct {
	slots             []Slot
	toleranceMinutes  int
	tickInterval      time.Duration
	run               RunFunc
	now               func() time.Time
	firedToday        map[string]string // slot -> day key "2006-01-02" it last fired for
}

// New constructs a Scheduler. toleranceMinutes should not exceed
// interval_minutes per spec §4.M.
func New(slots []Slot, toleranceMinutes int, run RunFunc) *Scheduler {
	return &Scheduler{
		slots:            slots,
		toleranceMinutes: toleranceMinutes,
		tickInterval:     30 * time.Second,
		run:              run,
		now:              time.Now,
		firedToday:       make(map[string]string),
	}
}

// Run blocks, ticking until ctx is cancelled, firing run() for each slot
// whose tolerance window the current time enters, at most once per day.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	dayKey := now.Format("2006-01-02")

	for _, slot := range s.slots {
		if !s.withinTolerance(now, slot) {
			continue
		}
		key := slot.String()
		if s.firedToday[key] == dayKey {
			continue
		}
		s.firedToday[key] = dayKey

		plog.Notice("scheduler: firing run for slot", "slot", key)
		if err := s.run(ctx); err != nil {
			plog.Warn("scheduler: run failed", "slot", key, "error", err)
		}
	}
}

func (s *Scheduler) withinTolerance(now time.Time, slot Slot) bool {
	slotTime := time.Date(now.Year(), now.Month(), now.Day(), slot.Hour, slot.Minute, 0, 0, now.Location())
	diff := now.Sub(slotTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(s.toleranceMinutes)*time.Minute
}
