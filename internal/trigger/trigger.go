// Package trigger resolves a trigger specification (a 5-field cron
// expression or an absolute timestamp) into concrete fire times in a
// caller-supplied time zone. Resolution is pure: no I/O, no clock reads.
package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// ErrInvalidTriggerSpec reports a spec that is neither a valid cron
// expression nor a parseable timestamp, or a bad time zone name.
var ErrInvalidTriggerSpec = errors.New("invalid trigger spec")

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// timestampLayouts are tried in order for non-cron specs. Layouts without
// an offset parse as UTC and are then converted to the requested zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

type Kind int

const (
	Recurring Kind = iota
	OneShot
)

func (k Kind) String() string {
	if k == OneShot {
		return "one-shot"
	}
	return "recurring"
}

// Trigger is a resolved trigger specification.
type Trigger struct {
	Kind Kind
	Spec string

	loc      *time.Location
	schedule cronlib.Schedule // Recurring only
	at       time.Time        // OneShot only, already in loc
}

// Location returns the zone the trigger is evaluated in.
func (t Trigger) Location() *time.Location {
	return t.loc
}

// At returns the single fire instant of a one-shot trigger.
func (t Trigger) At() time.Time {
	return t.at
}

// Resolve parses spec in the named time zone. An empty tz means UTC.
func Resolve(spec, tz string) (Trigger, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Trigger{}, fmt.Errorf("%w: empty spec", ErrInvalidTriggerSpec)
	}

	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return Trigger{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidTriggerSpec, tz)
		}
	}

	if sched, err := cronParser.Parse(spec); err == nil {
		return Trigger{
			Kind:     Recurring,
			Spec:     spec,
			loc:      loc,
			schedule: sched,
		}, nil
	}

	for _, layout := range timestampLayouts {
		at, err := time.Parse(layout, spec)
		if err != nil {
			continue
		}
		// Offset-less layouts parse as UTC; either way the instant is
		// preserved, only its presentation moves into loc.
		return Trigger{
			Kind: OneShot,
			Spec: spec,
			loc:  loc,
			at:   at.In(loc),
		}, nil
	}

	return Trigger{}, fmt.Errorf("%w: %q is neither cron nor timestamp", ErrInvalidTriggerSpec, spec)
}

// Next returns the next fire time strictly after the given instant.
// For one-shot triggers the fire instant itself is returned, even when it
// is already past: a late one-shot fires immediately rather than never.
// Consuming the single one-shot fire is the caller's job (disable after fire).
func (t Trigger) Next(after time.Time) (time.Time, bool) {
	switch t.Kind {
	case Recurring:
		next := t.schedule.Next(after.In(t.loc))
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	case OneShot:
		return t.at, true
	}
	return time.Time{}, false
}

// IsCron reports whether spec parses as a cron expression.
func IsCron(spec string) bool {
	_, err := cronParser.Parse(strings.TrimSpace(spec))
	return err == nil
}
