package engine

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type TriggerKind int

const (
	// TriggerOneShot fires exactly once at a fixed timestamp.
	TriggerOneShot TriggerKind = iota
	// TriggerRecurring fires at a time-of-day pattern (daily/weekly/monthly),
	// anchored so the first fire is never before Start.
	TriggerRecurring
	// TriggerInterval fires on a fixed period (used by the booking sweep).
	TriggerInterval
)

type Trigger struct {
	Kind TriggerKind

	// One-shot.
	At time.Time

	// Recurring: time of day plus an optional weekday set or month day.
	// Both empty/zero means daily.
	Hour     int
	Minute   int
	Weekdays []time.Weekday
	MonthDay int
	// Start anchors the recurrence; occurrences before it are suppressed.
	Start time.Time

	// Interval.
	Every time.Duration
}

func OneShot(at time.Time) Trigger {
	return Trigger{Kind: TriggerOneShot, At: at}
}

// Recurring anchors are truncated to the minute: cron fires at second 0 of
// a slot, so a seconds-bearing anchor would suppress the very slot it names.
func Daily(hour, minute int, start time.Time) Trigger {
	return Trigger{Kind: TriggerRecurring, Hour: hour, Minute: minute, Start: start.Truncate(time.Minute)}
}

func Weekly(hour, minute int, weekdays []time.Weekday, start time.Time) Trigger {
	return Trigger{Kind: TriggerRecurring, Hour: hour, Minute: minute, Weekdays: weekdays, Start: start.Truncate(time.Minute)}
}

func Monthly(hour, minute, monthDay int, start time.Time) Trigger {
	return Trigger{Kind: TriggerRecurring, Hour: hour, Minute: minute, MonthDay: monthDay, Start: start.Truncate(time.Minute)}
}

func Interval(every time.Duration) Trigger {
	return Trigger{Kind: TriggerInterval, Every: every}
}

func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerOneShot:
		if t.At.IsZero() {
			return errors.New("one-shot trigger requires a timestamp")
		}
	case TriggerRecurring:
		if t.Hour < 0 || t.Hour > 23 {
			return fmt.Errorf("invalid hour %d", t.Hour)
		}
		if t.Minute < 0 || t.Minute > 59 {
			return fmt.Errorf("invalid minute %d", t.Minute)
		}
		if t.MonthDay != 0 && (t.MonthDay < 1 || t.MonthDay > 31) {
			return fmt.Errorf("invalid month day %d", t.MonthDay)
		}
		if t.MonthDay != 0 && len(t.Weekdays) > 0 {
			return errors.New("weekday set and month day are mutually exclusive")
		}
		for _, wd := range t.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				return fmt.Errorf("invalid weekday %d", int(wd))
			}
		}
	case TriggerInterval:
		if t.Every <= 0 {
			return errors.New("interval trigger requires a positive period")
		}
	default:
		return fmt.Errorf("unknown trigger kind %d", int(t.Kind))
	}
	return nil
}

// CronSpec compiles a recurring or interval trigger to a robfig/cron spec.
func (t Trigger) CronSpec() (string, error) {
	switch t.Kind {
	case TriggerInterval:
		return "@every " + t.Every.String(), nil
	case TriggerRecurring:
		dom := "*"
		if t.MonthDay != 0 {
			dom = strconv.Itoa(t.MonthDay)
		}
		dow := "*"
		if len(t.Weekdays) > 0 {
			wds := make([]int, 0, len(t.Weekdays))
			for _, wd := range t.Weekdays {
				wds = append(wds, int(wd))
			}
			sort.Ints(wds)
			parts := make([]string, len(wds))
			for i, wd := range wds {
				parts[i] = strconv.Itoa(wd)
			}
			dow = strings.Join(parts, ",")
		}
		return fmt.Sprintf("%d %d %s * %s", t.Minute, t.Hour, dom, dow), nil
	default:
		return "", errors.New("one-shot triggers have no cron spec")
	}
}

// Next previews the first fire strictly after now in loc, honoring the
// recurrence anchor. ok is false when nothing is left to fire.
func (t Trigger) Next(now time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	switch t.Kind {
	case TriggerOneShot:
		if t.At.After(now) {
			return t.At, true
		}
		return time.Time{}, false
	case TriggerInterval:
		return now.Add(t.Every), true
	case TriggerRecurring:
		from := now
		if t.Start.After(from) {
			// The anchor itself may be a valid occurrence, so step back a
			// minute before asking for the schedule's next fire.
			from = t.Start.Add(-time.Minute)
		}
		spec, err := t.CronSpec()
		if err != nil {
			return time.Time{}, false
		}
		sched, err := cronParser.Parse(spec)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}
