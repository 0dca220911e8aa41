package automation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind is the type of an automation schedule.
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule runs an automation without a conversation.
type Schedule struct {
	Kind ScheduleKind `yaml:"kind" json:"kind"`

	// For "at"
	At string `yaml:"at,omitempty" json:"at,omitempty"` // RFC 3339

	// For "every"
	Every string `yaml:"every,omitempty" json:"every,omitempty"` // Go duration

	// For "cron"
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`
	TZ   string `yaml:"tz,omitempty" json:"tz,omitempty"`

	// Inputs passed to scheduled runs.
	Inputs map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

var timeNow = time.Now

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Next returns the first run strictly after now. A zero time with a nil
// error means the schedule will not fire again.
func (s Schedule) Next(now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleKindAt:
		if s.At == "" {
			return time.Time{}, fmt.Errorf("'at' schedule requires 'at' field")
		}
		t, err := time.Parse(time.RFC3339, s.At)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		if !t.After(now) {
			return time.Time{}, nil
		}
		return t, nil

	case ScheduleKindEvery:
		every, err := time.ParseDuration(s.Every)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid 'every' duration: %w", err)
		}
		if every < time.Second {
			return time.Time{}, fmt.Errorf("'every' schedule must be at least one second")
		}
		return now.Add(every), nil

	case ScheduleKindCron:
		if s.Expr == "" {
			return time.Time{}, fmt.Errorf("'cron' schedule requires 'expr' field")
		}
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		if s.TZ != "" {
			loc, err := time.LoadLocation(s.TZ)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
			}
			now = now.In(loc)
		}
		return sched.Next(now), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}
