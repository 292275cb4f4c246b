// Package timeseries holds the bounded per-metric history used by every
// analyzer, plus the generic ring buffer the analytics history is built on.
package timeseries

import (
	"sort"
	"time"
)

// DefaultCapacity is the per-metric capacity when none is configured.
const DefaultCapacity = 1000

// Point is a single timestamped value.
type Point struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Store maps metric names to fixed-capacity FIFO series.
//
// Store is not safe for concurrent use; the analytics engine owns it from the
// tick goroutine and hands copies to everyone else.
type Store struct {
	series   map[string]*Ring[Point]
	capacity int
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Store{
		series:   make(map[string]*Ring[Point]),
		capacity: capacity,
	}
}

// Push appends a value to the named series, evicting the oldest point when
// the series is at capacity.
func (s *Store) Push(name string, value float64, ts time.Time) {
	ring, ok := s.series[name]
	if !ok {
		ring = NewRing[Point](s.capacity)
		s.series[name] = ring
	}
	ring.Push(Point{Value: value, Timestamp: ts})
}

// Values returns a copy of the last window values of the named series in
// chronological order. A window <= 0 returns the whole series. Unknown
// names yield an empty slice.
func (s *Store) Values(name string, window int) []float64 {
	ring, ok := s.series[name]
	if !ok {
		return []float64{}
	}

	if window <= 0 {
		window = ring.Len()
	}
	points := ring.Tail(window)
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	return values
}

func (s *Store) Points(name string, window int) []Point {
	ring, ok := s.series[name]
	if !ok {
		return []Point{}
	}

	if window <= 0 {
		window = ring.Len()
	}
	return ring.Tail(window)
}

func (s *Store) Latest(name string) (float64, bool) {
	ring, ok := s.series[name]
	if !ok {
		return 0, false
	}

	p, ok := ring.Last()
	return p.Value, ok
}

func (s *Store) Len(name string) int {
	ring, ok := s.series[name]
	if !ok {
		return 0
	}
	return ring.Len()
}

func (s *Store) Names() []string {
	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Remove(name string) {
	delete(s.series, name)
}

func (s *Store) Capacity() int {
	return s.capacity
}

func (s *Store) Resize(capacity int) {
	if capacity <= 0 || capacity == s.capacity {
		return
	}

	s.capacity = capacity
	for _, ring := range s.series {
		ring.Resize(capacity)
	}
}

// Snapshot returns a read-only copy of the last window values of every
// series, suitable for handing to worker goroutines.
func (s *Store) Snapshot(window int) *Snapshot {
	snap := &Snapshot{points: make(map[string][]Point, len(s.series))}
	for name := range s.series {
		snap.points[name] = s.Points(name, window)
	}
	return snap
}

func (s *Store) Reset() {
	s.series = make(map[string]*Ring[Point])
}

// Snapshot is an immutable copy of a Store taken at a tick boundary.
type Snapshot struct {
	points map[string][]Point
}

func (s *Snapshot) Values(name string, window int) []float64 {
	points := s.Points(name, window)
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	return values
}

func (s *Snapshot) Points(name string, window int) []Point {
	points := s.points[name]
	if window > 0 && window < len(points) {
		points = points[len(points)-window:]
	}

	result := make([]Point, len(points))
	copy(result, points)
	return result
}

func (s *Snapshot) Latest(name string) (float64, bool) {
	points := s.points[name]
	if len(points) == 0 {
		return 0, false
	}
	return points[len(points)-1].Value, true
}

// Reader is the read side shared by Store and Snapshot.
type Reader interface {
	Values(name string, window int) []float64
	Points(name string, window int) []Point
	Latest(name string) (float64, bool)
}

var (
	_ Reader = (*Store)(nil)
	_ Reader = (*Snapshot)(nil)
)
