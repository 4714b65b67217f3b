package uploadqueue

import (
	"time"

	"pkt.systems/pslog"
	"pkt.systems/waypoint/schema"
)

// Summary describes a finished run.
type Summary struct {
	Total       int
	Completed   int
	Failed      int
	SuccessRate float64
	AvgDuration time.Duration
	MinDuration time.Duration
	MaxDuration time.Duration
}

// Summarize computes run statistics from item snapshots. Durations cover
// completed items only.
func Summarize(items []schema.ItemSnapshot) Summary {
	s := Summary{Total: len(items)}
	var sum time.Duration
	for _, it := range items {
		switch it.Status {
		case schema.ItemCompleted:
			s.Completed++
			d := it.Duration()
			sum += d
			if s.Completed == 1 || d < s.MinDuration {
				s.MinDuration = d
			}
			if d > s.MaxDuration {
				s.MaxDuration = d
			}
		case schema.ItemFailed:
			s.Failed++
		}
	}
	if s.Completed > 0 {
		s.AvgDuration = sum / time.Duration(s.Completed)
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Completed) * 100 / float64(s.Total)
	}
	return s
}

func (q *Queue[P, R]) summaryLocked() Summary {
	items := make([]schema.ItemSnapshot, 0, len(q.items))
	for _, it := range q.items {
		items = append(items, it.snapshot())
	}
	return Summarize(items)
}

func (q *Queue[P, R]) logSummary(log pslog.Logger, s Summary) {
	log.Info("queue run finished",
		"total", s.Total,
		"completed", s.Completed,
		"failed", s.Failed,
		"success_rate", s.SuccessRate,
		"avg", s.AvgDuration,
		"min", s.MinDuration,
		"max", s.MaxDuration,
	)
}
