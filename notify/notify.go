package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Category classifies outbound notifications. Recipients can disable
// categories individually.
type Category string

const (
	CategoryNewOrder    Category = "new-order"
	CategoryComment     Category = "comment"
	CategoryMention     Category = "mention"
	CategoryDeadline    Category = "deadline"
	CategoryFieldChange Category = "field-change"
)

// QuietHours is a daily window, possibly wrapping midnight, during which a
// recipient receives nothing. Skipped notifications are not queued for later.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"` // "22:00"
	End     string `json:"end"`   // "08:00"
}

// Contains reports whether the local clock time of t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	// Window wraps midnight, e.g. 22:00-08:00.
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Prefs are one recipient's notification preferences. Categories missing from
// the map are enabled.
type Prefs struct {
	QuietHours QuietHours        `json:"quietHours"`
	Categories map[Category]bool `json:"categories,omitempty"`
}

// Allows reports whether the category is enabled at the given time.
func (p Prefs) Allows(cat Category, at time.Time) bool {
	if enabled, ok := p.Categories[cat]; ok && !enabled {
		return false
	}
	return !p.QuietHours.Contains(at)
}

// Notification is one message for one recipient.
type Notification struct {
	UserID     string   `json:"userId"`
	Category   Category `json:"category"`
	ResourceID string   `json:"resourceId,omitempty"`
	Message    string   `json:"message"`
	Time       int64    `json:"time"`
}
