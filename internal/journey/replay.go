package journey

import (
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/model"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
}

// ParseTime parses a change-event timestamp. ok is false for empty or
// unrecognized values.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Replay extracts the ordered distinct status values recordID held, from a
// change stream. Events are ordered by timestamp, ties by stream order;
// events whose timestamp is missing or unparseable sort first and are
// reported through badTime (which may be nil). When the stream holds no
// usable status mutation the journey is [current], or empty if current is
// empty too.
func Replay(events []model.ChangeEvent, recordID, statusField, current string, badTime func(model.ChangeEvent)) []string {
	type timed struct {
		at time.Time
		ev model.ChangeEvent
	}
	var mine []timed
	for _, ev := range events {
		if ev.RecordID != recordID {
			continue
		}
		at, ok := ParseTime(ev.Time)
		if !ok && badTime != nil {
			badTime(ev)
		}
		mine = append(mine, timed{at: at, ev: ev})
	}
	slices.SortStableFunc(mine, func(a, b timed) int { return a.at.Compare(b.at) })

	var out []string
	for _, t := range mine {
		for _, fa := range t.ev.Actions {
			if !strings.EqualFold(strings.TrimSpace(fa.Field), statusField) {
				continue
			}
			nv := strings.TrimSpace(fa.NewValue)
			if nv == "" || nv == strings.TrimSpace(fa.OldValue) {
				continue
			}
			if len(out) > 0 && out[len(out)-1] == nv {
				continue
			}
			out = append(out, nv)
		}
	}
	if len(out) == 0 {
		if c := strings.TrimSpace(current); c != "" {
			return []string{c}
		}
		return nil
	}
	return out
}

// History serves per-record replays over one run's change stream. Events
// are grouped by record once so each replay only touches its own events.
type History struct {
	statusField string
	byRecord    map[string][]model.ChangeEvent
	log         *zap.Logger

	once sync.Once
}

// NewHistory groups events by record id.
func NewHistory(events []model.ChangeEvent, statusField string, log *zap.Logger) *History {
	h := &History{
		statusField: statusField,
		byRecord:    make(map[string][]model.ChangeEvent),
		log:         log,
	}
	for _, ev := range events {
		h.byRecord[ev.RecordID] = append(h.byRecord[ev.RecordID], ev)
	}
	return h
}

// Replay returns the status journey of recordID, falling back to current.
func (h *History) Replay(recordID, current string) []string {
	return Replay(h.byRecord[recordID], recordID, h.statusField, current, h.warnBadTime)
}

// Events returns how many change events were recorded for recordID.
func (h *History) Events(recordID string) int {
	return len(h.byRecord[recordID])
}

func (h *History) warnBadTime(ev model.ChangeEvent) {
	h.once.Do(func() {
		h.log.Warn("journey: change event with missing or unparseable timestamp treated as earliest",
			zap.String("record_id", ev.RecordID),
			zap.String("time", ev.Time),
		)
	})
}
