// Package stats samples host metrics and daemon state for termbridge.
//
// The collector gathers CPU, memory, disk, network, load average, and
// uptime from the host via gopsutil v4, plus the number of live terminal
// sessions. The reporter runs the collector on an interval, caches the
// most recent sample for the HTTP stats endpoint, and publishes samples
// over NATS when a publisher is wired in.
package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// Sample is a snapshot of host and daemon metrics at a point in time.
// Byte values are in bytes, percentages are 0-100, uptime is seconds.
type Sample struct {
	// Timestamp is when this sample was collected.
	Timestamp time.Time `json:"timestamp"`

	// Sessions is the number of live terminal sessions at sample time.
	Sessions int `json:"sessions"`

	// CPU is the current CPU usage percentage (0-100), measured over a
	// short sample interval (100ms).
	CPU float64 `json:"cpu"`

	// Memory metrics
	MemoryUsed  uint64  `json:"memoryUsed"`
	MemoryTotal uint64  `json:"memoryTotal"`
	MemoryPct   float64 `json:"memoryPct"`

	// Disk metrics for the root filesystem
	DiskUsed  uint64  `json:"diskUsed"`
	DiskTotal uint64  `json:"diskTotal"`
	DiskPct   float64 `json:"diskPct"`

	// Network counters. The collector fills in cumulative totals since
	// boot; the reporter rewrites them to deltas since the previous
	// sample before caching or publishing.
	NetBytesSent uint64 `json:"netBytesSent"`
	NetBytesRecv uint64 `json:"netBytesRecv"`

	// Load averages
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`

	// Uptime is the host uptime in seconds since boot.
	Uptime uint64 `json:"uptime"`
}

// SessionCounter reports how many terminal sessions are currently live.
// The session registry satisfies this.
type SessionCounter interface {
	Count() int
}

// Collector gathers metric samples from the host.
type Collector struct {
	sessions SessionCounter
	logger   *slog.Logger
}

// NewCollector creates a collector that reads session counts from the
// given counter.
func NewCollector(sessions SessionCounter, logger *slog.Logger) *Collector {
	return &Collector{
		sessions: sessions,
		logger:   logger,
	}
}

// Collect gathers a snapshot of current metrics.
//
// If an individual metric fails, it logs a warning and continues with
// partial data; the returned Sample will have zero values for metrics
// that could not be collected. Cancelling the context stops collection
// with an error.
func (c *Collector) Collect(ctx context.Context) (*Sample, error) {
	sample := &Sample{
		Timestamp: time.Now(),
		Sessions:  c.sessions.Count(),
	}

	// The CPU sample interval is what makes the percentage meaningful.
	cpuPcts, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		c.logger.Warn("failed to collect CPU stats", slog.String("error", err.Error()))
	} else if len(cpuPcts) > 0 {
		sample.CPU = cpuPcts[0]
	}

	// CPU sampling takes real time, so re-check the context after it.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Warn("failed to collect memory stats", slog.String("error", err.Error()))
	} else {
		sample.MemoryUsed = memInfo.Used
		sample.MemoryTotal = memInfo.Total
		sample.MemoryPct = memInfo.UsedPercent
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	diskInfo, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		c.logger.Warn("failed to collect disk stats", slog.String("error", err.Error()))
	} else {
		sample.DiskUsed = diskInfo.Used
		sample.DiskTotal = diskInfo.Total
		sample.DiskPct = diskInfo.UsedPercent
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Combined counters across all interfaces, not per-interface.
	netCounters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		c.logger.Warn("failed to collect network stats", slog.String("error", err.Error()))
	} else if len(netCounters) > 0 {
		sample.NetBytesSent = netCounters[0].BytesSent
		sample.NetBytesRecv = netCounters[0].BytesRecv
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	loadInfo, err := load.AvgWithContext(ctx)
	if err != nil {
		c.logger.Warn("failed to collect load stats", slog.String("error", err.Error()))
	} else {
		sample.Load1 = loadInfo.Load1
		sample.Load5 = loadInfo.Load5
		sample.Load15 = loadInfo.Load15
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		c.logger.Warn("failed to collect uptime", slog.String("error", err.Error()))
	} else {
		sample.Uptime = uptime
	}

	return sample, nil
}
