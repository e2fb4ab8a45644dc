package app

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"smarthome/iot-backend/internal/coordinator"
)

// systemStatus is published on smarthome/system/status.
type systemStatus struct {
	Online         bool    `json:"online"`
	MQTTConnected  bool    `json:"mqtt_connected"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	ProcessRSSMB   float64 `json:"process_rss_mb"`
	Timestamp      string  `json:"timestamp"`
}

func (a *App) runHeartbeat(ctx context.Context) {
	if a.cfg.HeartbeatInterval <= 0 || a.mqtt == nil {
		return
	}

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishStatus(true)
		}
	}
}

func (a *App) publishStatus(online bool) {
	status := a.collectStatus(online)
	if _, err := a.publisher.Publish(coordinator.TopicSystemStatus, status); err != nil {
		a.logger.Debug("heartbeat not published", "error", err)
	}
}

func (a *App) collectStatus(online bool) systemStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status := systemStatus{
		Online:        online,
		MQTTConnected: a.coord.Status().MQTTConnected,
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	collectHostStats(ctx, &status, a.logger)
	return status
}

// collectHostStats fills in CPU, memory and process figures. A failing reading
// leaves its field at zero.
func collectHostStats(ctx context.Context, status *systemStatus, logger *slog.Logger) {
	if percentages, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false); err == nil && len(percentages) > 0 {
		status.CPUPercent = percentages[0]
	} else if err != nil {
		logger.Debug("cpu stats unavailable", "error", err)
	}

	if vMem, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		status.MemUsedPercent = vMem.UsedPercent
	} else {
		logger.Debug("memory stats unavailable", "error", err)
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			status.ProcessRSSMB = float64(info.RSS) / 1024.0 / 1024.0
		}
	}
}
