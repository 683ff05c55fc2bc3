// Package voting implements VotingCore: the state-machine and statistics
// logic for a Round. The statistics are pure functions; Service reaches
// storage and the EventBus only through its Store and Publisher interfaces.
package voting

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/planningpoker/core/internal/domain"
)

// ComputeStats partitions the cast values into numeric and non-numeric and
// applies the average/median/consensus algorithm.
func ComputeStats(values []string) domain.Stats {
	numeric := make([]float64, 0, len(values))
	for _, v := range values {
		if f, ok := parseNumeric(v); ok {
			numeric = append(numeric, f)
		}
	}

	var stats domain.Stats
	stats.Average = average(numeric)
	stats.Median = median(values, numeric)
	stats.ConsensusReached = consensusReached(values, numeric)
	return stats
}

func parseNumeric(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// average returns the arithmetic mean of numeric, rounded half-up to 2
// decimal places, or nil if there are no numeric votes.
func average(numeric []float64) *float64 {
	if len(numeric) == 0 {
		return nil
	}
	var sum float64
	for _, v := range numeric {
		sum += v
	}
	mean := sum / float64(len(numeric))
	rounded := math.Floor(mean*100+0.5) / 100
	return &rounded
}

// median returns the standard statistical median when every value is
// numeric, formatted as an integer when whole and one decimal place
// otherwise. If any value is non-numeric, it falls back to the mode if its
// frequency exceeds half the vote count, else the literal string "mixed".
func median(values []string, numeric []float64) *string {
	if len(values) == 0 {
		return nil
	}

	if len(numeric) == len(values) {
		sorted := append([]float64(nil), numeric...)
		sort.Float64s(sorted)
		n := len(sorted)
		var m float64
		if n%2 == 1 {
			m = sorted[n/2]
		} else {
			m = (sorted[n/2-1] + sorted[n/2]) / 2
		}
		formatted := formatMedian(m)
		return &formatted
	}

	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	var modeValue string
	var modeCount int
	for v, c := range counts {
		if c > modeCount {
			modeValue, modeCount = v, c
		}
	}
	if float64(modeCount) > float64(len(values))/2 {
		return &modeValue
	}
	mixed := "mixed"
	return &mixed
}

func formatMedian(m float64) string {
	if m == math.Trunc(m) {
		return strconv.FormatInt(int64(m), 10)
	}
	return fmt.Sprintf("%.1f", m)
}

// consensusReached is false if any vote is non-numeric, true if all numeric
// votes are equal, otherwise true iff population variance is strictly below
// 2.0 (tuned for the fibonacci deck).
func consensusReached(values []string, numeric []float64) bool {
	if len(values) == 0 {
		return false
	}
	if len(numeric) != len(values) {
		return false
	}

	var sum float64
	for _, v := range numeric {
		sum += v
	}
	mean := sum / float64(len(numeric))

	var variance float64
	for _, v := range numeric {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(numeric))

	if variance == 0 {
		return true
	}
	return variance < 2.0
}
