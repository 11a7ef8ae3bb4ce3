// Package admission is the global concurrency admission controller: a
// store-coordinated counting semaphore with dynamic lease TTLs, a bounded
// backpressure queue, and graduated degradation levels driven by the
// measured load ratio.
package admission

// Level is a graduated degradation step computed from the load ratio
// (current load over baseline). The ratio is measured by the caller;
// this package only consumes it.
type Level int

const (
	LevelNone     Level = iota // ratio < 1.5
	LevelMedium                // ratio >= 1.5: low-priority work is queued
	LevelHigh                  // ratio >= 2.0
	LevelCritical              // ratio >= 3.0: low-priority work is rejected outright
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// LevelFor maps a load ratio to its degradation level.
func LevelFor(ratio float64) Level {
	switch {
	case ratio >= 3.0:
		return LevelCritical
	case ratio >= 2.0:
		return LevelHigh
	case ratio >= 1.5:
		return LevelMedium
	default:
		return LevelNone
	}
}

// Priority classifies admission requests. Reconnections and operator
// traffic run high; brand-new pairing attempts run low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)
