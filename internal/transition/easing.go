package transition

import "fmt"

// Easing names an interpolation curve. Every curve maps 0 to 0 and 1 to 1.
type Easing string

const (
	Linear         Easing = "linear"
	EaseInQuad     Easing = "easeInQuad"
	EaseOutQuad    Easing = "easeOutQuad"
	EaseInOutCubic Easing = "easeInOutCubic"
)

// Easings lists the supported curves.
var Easings = []Easing{Linear, EaseInQuad, EaseOutQuad, EaseInOutCubic}

// ParseEasing validates a curve name. The empty string selects Linear.
func ParseEasing(s string) (Easing, error) {
	if s == "" {
		return Linear, nil
	}
	for _, e := range Easings {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown easing %q", s)
}

// Apply evaluates the curve at p, clamped to [0,1]. Unknown curves are
// linear.
func (e Easing) Apply(p float64) float64 {
	switch {
	case p <= 0:
		return 0
	case p >= 1:
		return 1
	}
	switch e {
	case EaseInQuad:
		return p * p
	case EaseOutQuad:
		q := 1 - p
		return 1 - q*q
	case EaseInOutCubic:
		if p < 0.5 {
			return 4 * p * p * p
		}
		q := -2*p + 2
		return 1 - q*q*q/2
	default:
		return p
	}
}
