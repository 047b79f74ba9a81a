package queue

import (
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

type Stats struct {
	// Avg time an item spends being served. Calculated by a fixed size
	// sliding window.
	AvgServiceDuration time.Duration

	// A fixed size sliding window for calculating average service time.
	serviceDurationQueue *linkedlistqueue.Queue

	windowSize int
}

func NewStats(initAvgServiceDuration time.Duration, windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = 1
	}
	return &Stats{
		AvgServiceDuration:   initAvgServiceDuration,
		serviceDurationQueue: linkedlistqueue.New(),
		windowSize:           windowSize,
	}
}

func (s *Stats) RecordService(durations ...time.Duration) {
	for _, value := range durations {
		if value <= 0 {
			continue
		}
		if s.serviceDurationQueue.Size() >= s.windowSize {
			s.serviceDurationQueue.Dequeue()
		}
		s.serviceDurationQueue.Enqueue(value)
	}

	if s.serviceDurationQueue.Size() <= 0 {
		return
	}

	it := s.serviceDurationQueue.Iterator()
	var total time.Duration
	for it.Next() {
		total += it.Value().(time.Duration)
	}
	s.AvgServiceDuration = total / time.Duration(s.serviceDurationQueue.Size())
}

// EstimatedWait for an item with position items ahead of it.
func (s *Stats) EstimatedWait(position int) time.Duration {
	if position < 0 {
		position = 0
	}
	return time.Duration(position) * s.AvgServiceDuration
}

func (s *Stats) AvgServiceMinutes() int {
	return int(s.AvgServiceDuration / time.Minute)
}
