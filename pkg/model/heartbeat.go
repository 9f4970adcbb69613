package model

import "time"

// HeartbeatSample is one heartbeat reading reported by a computation
// subprocess: instantaneous CPU/memory/message counters.
type HeartbeatSample struct {
	CPUUsage5Secs   float64 `json:"cpuUsage5Secs"`
	CPUUsage60Secs  float64 `json:"cpuUsage60Secs"`
	MemoryBytes     uint64  `json:"memoryBytes"`
	SentMessages    uint64  `json:"sentMessages"`
	ReceivedMessages uint64 `json:"receivedMessages"`
}

// PerformanceStats is the rolling object a Computation Supervisor keeps:
// the latest sample plus running maxima (5s/60s CPU, peak memory) and a
// single last-activity timestamp; separate last send/receive times are
// not kept.
type PerformanceStats struct {
	Last              HeartbeatSample `json:"last"`
	CPUUsage5SecsMax  float64         `json:"cpuUsage5SecsMax"`
	CPUUsage60SecsMax float64         `json:"cpuUsage60SecsMax"`
	MemoryBytesMax    uint64          `json:"memoryBytesMax"`
	LastActivity      time.Time       `json:"lastActivity"`
}

// Observe folds a new sample into the running maxima and refreshes the
// last-activity timestamp.
func (p *PerformanceStats) Observe(s HeartbeatSample, at time.Time) {
	p.Last = s
	if s.CPUUsage5Secs > p.CPUUsage5SecsMax {
		p.CPUUsage5SecsMax = s.CPUUsage5Secs
	}
	if s.CPUUsage60Secs > p.CPUUsage60SecsMax {
		p.CPUUsage60SecsMax = s.CPUUsage60Secs
	}
	if s.MemoryBytes > p.MemoryBytesMax {
		p.MemoryBytesMax = s.MemoryBytes
	}
	p.LastActivity = at
}
