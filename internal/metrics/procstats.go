package metrics

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// ProcessStats reports OS-level statistics for one supervised pid. All
// fields default to zero when a collection step fails; a half-dead child
// must still produce a usable (if sparse) record.
type ProcessStats struct {
	PID         int           `json:"pid"`
	Elapsed     time.Duration `json:"elapsed"`
	CPUPercent  float64       `json:"cpu_percent"`
	MemPercent  float32       `json:"mem_percent"`
	CommandLine string        `json:"command_line"`
	RxBytes     uint64        `json:"rx_bytes"`
	TxBytes     uint64        `json:"tx_bytes"`
	Connections int           `json:"connections"`
}

// ProcStats collects per-pid OS statistics.
type ProcStats struct {
	log *zap.Logger
}

// NewProcStats constructs a collector.
func NewProcStats(log *zap.Logger) *ProcStats {
	return &ProcStats{log: log.Named("procstats")}
}

// Alive reports whether pid refers to a live process.
func (ps *ProcStats) Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Collect gathers statistics for pid. Partial failures degrade to zero
// values rather than erroring out.
func (ps *ProcStats) Collect(pid int) ProcessStats {
	stats := ProcessStats{PID: pid}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		ps.log.Debug("process lookup failed", zap.Int("pid", pid), zap.Error(err))
		return stats
	}

	if createMS, err := proc.CreateTime(); err == nil {
		stats.Elapsed = time.Since(time.UnixMilli(createMS)).Truncate(time.Second)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryPercent(); err == nil {
		stats.MemPercent = mem
	}
	if cmdline, err := proc.Cmdline(); err == nil {
		stats.CommandLine = cmdline
	}

	stats.RxBytes, stats.TxBytes = netCounters(pid)
	stats.Connections = ps.connectionCount(proc, pid)

	return stats
}

// netCounters sums rx/tx bytes across the process's network namespace
// interfaces (loopback excluded), read from /proc/<pid>/net/dev.
func netCounters(pid int) (rx, tx uint64) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/net/dev", pid))
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue // header lines
		}
		iface := strings.TrimSpace(line[:idx])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 9 {
			continue
		}
		if v, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			rx += v
		}
		if v, err := strconv.ParseUint(fields[8], 10, 64); err == nil {
			tx += v
		}
	}
	return rx, tx
}

// connectionCount reports the process's active socket count, preferring
// the kernel connection table and falling back to fd enumeration.
func (ps *ProcStats) connectionCount(proc *process.Process, pid int) int {
	if conns, err := proc.Connections(); err == nil {
		return len(conns)
	}

	// Fallback: count socket fds under /proc/<pid>/fd.
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		target, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%s", pid, e.Name()))
		if err == nil && strings.HasPrefix(target, "socket:") {
			count++
		}
	}
	return count
}
