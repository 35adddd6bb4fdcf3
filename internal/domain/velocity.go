package domain

import (
	"fmt"
	"strings"
	"time"
)

// Window is a trailing time window for windowed velocity.
type Window string

// Supported velocity windows.
const (
	Window1h  Window = "1h"
	Window4h  Window = "4h"
	Window12h Window = "12h"
	Window24h Window = "24h"
	Window7d  Window = "7d"
)

// AllWindows lists the windows stored with every snapshot, shortest first.
// 24h is not among them: the instantaneous velocity already covers it.
var AllWindows = []Window{Window1h, Window4h, Window12h, Window7d}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	switch w {
	case Window1h:
		return time.Hour
	case Window4h:
		return 4 * time.Hour
	case Window12h:
		return 12 * time.Hour
	case Window24h:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseWindow validates a window name. Names are case-insensitive.
func ParseWindow(s string) (Window, error) {
	w := Window(strings.ToLower(strings.TrimSpace(s)))
	if w.Duration() == 0 {
		return "", fmt.Errorf("unknown velocity window %q", s)
	}
	return w, nil
}

// Trend is the coarse direction of recent velocity.
type Trend string

// Trend values.
const (
	TrendIncreasing       Trend = "increasing"
	TrendDecreasing       Trend = "decreasing"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)
