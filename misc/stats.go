package misc

import (
	"fmt"
	"sync"
)

// Stats collects counter and aggregated numeric data from a stream of
// measurements, such as durations.
type Stats struct {
	count  uint64
	mutex  sync.Mutex
	lowest, highest, average, total float64
}

// NewStats returns an initialised stats structure.
func NewStats() *Stats {
	return &Stats{}
}

// Trigger records a new measurement.
func (s *Stats) Trigger(qty float64) {
	if qty <= 0 {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.highest == 0 || s.highest < qty {
		s.highest = qty
	}
	if s.lowest == 0 || s.lowest > qty {
		s.lowest = qty
	}
	s.average = (s.average*float64(s.count) + qty) / (float64(s.count) + 1.0)
	s.total += qty
	s.count++
}

// GetStats returns the latest counter and aggregate numbers.
func (s *Stats) GetStats() (lowest, highest, average, total float64, count uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lowest, s.highest, s.average, s.total, s.count
}

// Format renders the stats as a single line, with the four figures
// (lowest/average/highest/total)
// divided by divisionFactor (e.g. 1e9 to turn nanoseconds into seconds).
func (s *Stats) Format(divisionFactor float64, numDecimals int) string {
	lowest, highest, average, total, count := s.GetStats()
	format := fmt.Sprintf("%%.%df/%%.%df/%%.%df/%%.%df(%%d)", numDecimals, numDecimals, numDecimals, numDecimals)
	return fmt.Sprintf(format, lowest/divisionFactor, average/divisionFactor, highest/divisionFactor, total/divisionFactor, count)
}
