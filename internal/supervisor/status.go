package supervisor

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"visionguard/internal/camera"
	"visionguard/internal/ws"
)

// hostSampler reads machine and process load through gopsutil. Failures
// leave the corresponding fields empty.
type hostSampler struct {
	proc *process.Process
}

func newHostSampler() *hostSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &hostSampler{}
	}
	return &hostSampler{proc: proc}
}

func (h *hostSampler) sample(ctx context.Context) *ws.HostStats {
	stats := &ws.HostStats{}
	ok := false

	if h.proc != nil {
		if cpu, err := h.proc.CPUPercentWithContext(ctx); err == nil {
			stats.CPUPercent = cpu
			ok = true
		}
		if memInfo, err := h.proc.MemoryInfoWithContext(ctx); err == nil {
			stats.MemoryUsedMB = memInfo.RSS / 1024 / 1024
			ok = true
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		ok = true
	}

	if !ok {
		return nil
	}
	return stats
}

// SystemStatus builds the current pipeline report
func (s *Supervisor) SystemStatus(ctx context.Context) ws.SystemStatus {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	byStatus := map[camera.Status]int{
		camera.StatusDisconnected: 0,
		camera.StatusConnecting:   0,
		camera.StatusConnected:    0,
		camera.StatusError:        0,
	}
	errs := make(map[string]int)
	for _, src := range s.Sources() {
		byStatus[src.Status]++
		errs[src.ID] = src.ConsecutiveErrors
	}

	var uptime float64
	if !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}

	return ws.SystemStatus{
		UptimeSeconds:   uptime,
		SourcesByStatus: byStatus,
		SourceErrors:    errs,
		Queue:           s.queue.Stats(),
		Workers:         s.workers.Stats(),
		StoredEvents:    s.store.Len(),
		ActiveTasks:     s.registry.ActiveCount(),
		Connections:     s.manager.ConnectionCount(),
		Host:            s.host.sample(ctx),
	}
}

// reportStatus broadcasts system_status on every tick and prunes the
// recorder once per pruneInterval
func (s *Supervisor) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()
	lastPrune := time.Now()

	s.logger.Info("Status reporter started", zap.Duration("interval", s.opts.StatusInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			status := s.SystemStatus(ctx)
			n := s.manager.PublishSystemStatus(ctx, status)
			s.logger.Debug("System status published",
				zap.Int("clients", n),
				zap.Int("stored_events", status.StoredEvents),
				zap.Uint64("dropped_frames", status.Queue.Dropped))

			if s.recorder != nil && s.opts.Retention > 0 && now.Sub(lastPrune) >= pruneInterval {
				lastPrune = now
				s.pruneEvents()
			}
		}
	}
}
