// Session process enumeration.
//
// Lists the processes running inside a terminal session by walking the
// host process tree down from the session's shell. The sessions API uses
// this so clients can see what a session is executing without attaching
// to it.
package stats

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo describes a single process inside a session.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	Username   string  `json:"username"`
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float32 `json:"memPercent"`
	Cmdline    string  `json:"cmdline"`
	Status     string  `json:"status"`
}

// ProcessCollector resolves the process tree under a session's shell.
type ProcessCollector struct {
	logger *slog.Logger
}

// NewProcessCollector creates a new process collector with the given logger.
func NewProcessCollector(logger *slog.Logger) *ProcessCollector {
	return &ProcessCollector{
		logger: logger,
	}
}

// SessionProcesses returns the shell process and all of its descendants,
// ordered by pid.
//
// Shells with job control place each pipeline in its own process group,
// so membership is decided by parent ancestry rather than process group
// id. Processes that exit or deny access mid-walk are skipped.
func (c *ProcessCollector) SessionProcesses(ctx context.Context, shellPID int32) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	parent := make(map[int32]int32, len(procs))
	byPID := make(map[int32]*process.Process, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		parent[p.Pid] = ppid
		byPID[p.Pid] = p
	}

	result := make([]ProcessInfo, 0, 8)
	for pid, p := range byPID {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !descendsFrom(parent, pid, shellPID) {
			continue
		}
		info, err := c.processInfo(ctx, p)
		if err != nil {
			continue
		}
		result = append(result, info)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].PID < result[j].PID })

	c.logger.Debug("collected session process list",
		slog.Int("shell_pid", int(shellPID)),
		slog.Int("count", len(result)),
	)

	return result, nil
}

// descendsFrom reports whether pid is root or one of root's descendants
// in the parent map. The walk is depth-limited in case a racing pid
// reuse left a cycle in the snapshot.
func descendsFrom(parent map[int32]int32, pid, root int32) bool {
	for depth := 0; depth < 64; depth++ {
		if pid == root {
			return true
		}
		if pid <= 1 {
			return false
		}
		next, ok := parent[pid]
		if !ok {
			return false
		}
		pid = next
	}
	return false
}

// processInfo extracts display fields from one process. The name is
// essential; everything else is best effort and may be empty for
// processes owned by other users.
func (c *ProcessCollector) processInfo(ctx context.Context, p *process.Process) (ProcessInfo, error) {
	info := ProcessInfo{
		PID: p.Pid,
	}

	name, err := p.NameWithContext(ctx)
	if err != nil {
		return info, err
	}
	info.Name = name

	if username, err := p.UsernameWithContext(ctx); err == nil {
		info.Username = username
	}

	// The first CPUPercent call for a process returns 0; later calls
	// report usage since the previous call.
	if cpuPct, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = cpuPct
	}

	if memPct, err := p.MemoryPercentWithContext(ctx); err == nil {
		info.MemPercent = memPct
	}

	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		if len(cmdline) > 500 {
			cmdline = cmdline[:500] + "..."
		}
		info.Cmdline = cmdline
	}

	if status, err := p.StatusWithContext(ctx); err == nil {
		info.Status = strings.Join(status, ",")
	}

	return info, nil
}
