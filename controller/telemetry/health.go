package telemetry

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Health is a best-effort view of the host. Probes that fail leave zeros.
type Health struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	Load1         float64 `json:"load1"`
	Uptime        uint64  `json:"uptime_sec"`
}

// ReadHealth samples the host; path selects the filesystem for disk usage.
func ReadHealth(ctx context.Context, path string) Health {
	var h Health
	if p, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		log.Debug().Err(err).Msg("health: cpu")
	} else if len(p) > 0 {
		h.CPUPercent = p[0]
	}
	if v, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.Debug().Err(err).Msg("health: memory")
	} else {
		h.MemoryPercent = v.UsedPercent
	}
	if d, err := disk.UsageWithContext(ctx, path); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("health: disk")
	} else {
		h.DiskPercent = d.UsedPercent
	}
	if l, err := load.AvgWithContext(ctx); err != nil {
		log.Debug().Err(err).Msg("health: load")
	} else {
		h.Load1 = l.Load1
	}
	if u, err := host.UptimeWithContext(ctx); err == nil {
		h.Uptime = u
	}
	return h
}
