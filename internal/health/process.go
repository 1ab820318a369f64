package health

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes the server process.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	Goroutines    int     `json:"goroutines"`
	RSSBytes      uint64  `json:"rssBytes,omitempty"`
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
	OpenFiles     int32   `json:"openFiles,omitempty"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
}

// Sampler reads process statistics for the current process.
type Sampler struct {
	proc    *process.Process
	started time.Time
}

// NewSampler returns a sampler for the running process. Statistics the
// platform cannot provide are left zero.
func NewSampler() *Sampler {
	s := &Sampler{started: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

func (s *Sampler) Sample() ProcessStats {
	stats := ProcessStats{
		PID:           int32(os.Getpid()),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.proc == nil {
		return stats
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if fds, err := s.proc.NumFDs(); err == nil {
		stats.OpenFiles = fds
	}
	return stats
}
