package service

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// hostStats samples this worker process for the pong health report, so
// the ping coordinator's map doubles as a fleet resource overview.
type hostStats struct {
	proc *process.Process
}

func newHostStats() *hostStats {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// No process handle (exotic platform); pongs simply carry no
		// health block.
		return &hostStats{}
	}
	return &hostStats{proc: proc}
}

func (h *hostStats) snapshot() map[string]any {
	if h.proc == nil {
		return nil
	}

	out := make(map[string]any, 2)
	if mem, err := h.proc.MemoryInfo(); err == nil {
		out["mem_rss"] = mem.RSS
	}
	if pct, err := h.proc.CPUPercent(); err == nil {
		out["cpu_percent"] = pct
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
