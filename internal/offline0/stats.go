package offline0

import (
	"math"
	"sync/atomic"
)

// Outcome is the terminal state a fetch event ended in.
type Outcome string

const (
	OutcomePassthrough Outcome = "passthrough"
	OutcomeNetwork     Outcome = "network"
	OutcomeCache       Outcome = "cache"
	OutcomeOffline     Outcome = "offline"
	OutcomeUnavailable Outcome = "unavailable"
)

var outcomes = [...]Outcome{OutcomePassthrough, OutcomeNetwork, OutcomeCache, OutcomeOffline, OutcomeUnavailable}

func (o Outcome) index() int {
	for i, v := range outcomes {
		if v == o {
			return i
		}
	}
	return -1
}

type statsCollector struct {
	byOutcome      [len(outcomes)]atomic.Uint64
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(o Outcome, respBytes int) {
	if s == nil {
		return
	}
	if i := o.index(); i >= 0 {
		s.byOutcome[i].Add(1)
	}
	if o == OutcomePassthrough {
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Outcomes     map[Outcome]uint64 `json:"outcomes"`
	Responses    uint64             `json:"responses"`
	RespBytes    uint64             `json:"respBytes"`
	MinRespBytes uint64             `json:"minRespBytes"`
	MaxRespBytes uint64             `json:"maxRespBytes"`
	AvgRespBytes uint64             `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	out := StatsSnapshot{Outcomes: make(map[Outcome]uint64, len(outcomes))}
	if s == nil {
		return out
	}
	for i, o := range outcomes {
		out.Outcomes[o] = s.byOutcome[i].Load()
	}

	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	out.Responses = count
	out.RespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = s.minRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.RespBytes / count
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	return out
}
