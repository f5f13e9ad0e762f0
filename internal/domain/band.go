package domain

import "fmt"

// Band is a discrete risk category. A is the lowest risk, E the highest.
type Band string

const (
	BandA Band = "A"
	BandB Band = "B"
	BandC Band = "C"
	BandD Band = "D"
	BandE Band = "E"
)

var allBands = []Band{BandA, BandB, BandC, BandD, BandE}

// AllBands returns the bands ordered from best (A) to worst (E).
func AllBands() []Band {
	out := make([]Band, len(allBands))
	copy(out, allBands)
	return out
}

// Rank returns the position of the band in best-to-worst order, or -1.
func (b Band) Rank() int {
	for i, candidate := range allBands {
		if candidate == b {
			return i
		}
	}
	return -1
}

// Valid reports whether b is one of A..E.
func (b Band) Valid() bool {
	return b.Rank() >= 0
}

// Description returns the customer-facing band summary.
func (b Band) Description() string {
	switch b {
	case BandA:
		return "Excellent drivers (85-100 score)"
	case BandB:
		return "Good drivers (70-84 score)"
	case BandC:
		return "Average drivers (55-69 score)"
	case BandD:
		return "Below-average drivers (40-54 score)"
	case BandE:
		return "Poor drivers (0-39 score)"
	default:
		return ""
	}
}

// ParseBand converts a string into a Band.
func ParseBand(s string) (Band, error) {
	b := Band(s)
	if !b.Valid() {
		return "", fmt.Errorf("unknown band %q", s)
	}
	return b, nil
}
