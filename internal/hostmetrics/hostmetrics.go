// Package hostmetrics samples host-level CPU, memory, and network
// counters and turns threshold or baseline-deviation breaches into
// resource_anomaly / network_anomaly events.
package hostmetrics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/dceops/sentryd/internal/event"
)

const (
	minBaselineSamples = 3
	cpuSpikeZScore     = 3.0
)

// Config configures a Sampler.
type Config struct {
	CPUThreshold         float64 // percent, spike requires both this and z-score
	MemoryThreshold      float64 // percent
	NetworkThresholdMbps float64
	BaselineSamples      int // sliding window size, default 12
}

func (c Config) withDefaults() Config {
	if c.BaselineSamples <= 0 {
		c.BaselineSamples = 12
	}
	return c
}

// Sampler collects one round of host metrics per Sample call,
// maintaining a CPU baseline across calls for z-score spike detection.
type Sampler struct {
	cfg Config

	mu          sync.Mutex
	cpuSamples  []float64
	lastNet     map[string]psnet.IOCountersStat
	lastNetTime time.Time
}

// New constructs a Sampler.
func New(cfg Config) *Sampler {
	return &Sampler{
		cfg:     cfg.withDefaults(),
		lastNet: make(map[string]psnet.IOCountersStat),
	}
}

// Sample gathers one round of CPU/memory/network metrics and returns
// any events.Event the round's readings justify (resource_anomaly for
// CPU/memory, network_anomaly for throughput).
func (s *Sampler) Sample(ctx context.Context) ([]event.Event, error) {
	var events []event.Event

	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return nil, fmt.Errorf("hostmetrics: cpu: %w", err)
	}
	if len(cpuPercent) > 0 {
		usage := cpuPercent[0]
		if ev, ok := s.checkCPU(usage); ok {
			events = append(events, ev)
		}
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return events, fmt.Errorf("hostmetrics: mem: %w", err)
	}
	if memInfo.UsedPercent >= s.cfg.MemoryThreshold {
		ev, err := event.New(event.Params{
			EventType:   event.TypeResourceAnomaly,
			Severity:    event.SeverityMedium,
			Source:      "host_metrics",
			Description: fmt.Sprintf("Memory usage %.1f%% exceeds threshold %.1f%%", memInfo.UsedPercent, s.cfg.MemoryThreshold),
			Details: map[string]event.Detail{
				"memory_percent": event.Number(memInfo.UsedPercent),
				"threshold":      event.Number(s.cfg.MemoryThreshold),
			},
			Remediation: "Investigate processes consuming excess memory",
		})
		if err == nil {
			events = append(events, ev)
		}
	}

	netEvents, err := s.checkNetwork(ctx)
	if err != nil {
		return events, fmt.Errorf("hostmetrics: net: %w", err)
	}
	events = append(events, netEvents...)

	return events, nil
}

// checkCPU updates the sliding baseline and reports a resource_anomaly
// when the current sample both exceeds CPUThreshold and its z-score
// against the recent baseline is >= 3. The threshold alone is not
// enough; a host that is always busy should not alert every sweep.
func (s *Sampler) checkCPU(usage float64) (event.Event, bool) {
	s.mu.Lock()
	s.cpuSamples = append(s.cpuSamples, usage)
	if len(s.cpuSamples) > s.cfg.BaselineSamples {
		s.cpuSamples = s.cpuSamples[1:]
	}
	samples := append([]float64(nil), s.cpuSamples...)
	s.mu.Unlock()

	if len(samples) < minBaselineSamples {
		return event.Event{}, false
	}

	var sum, sumSquares float64
	for _, v := range samples {
		sum += v
		sumSquares += v * v
	}
	n := float64(len(samples))
	mean := sum / n
	variance := (sumSquares / n) - (mean * mean)
	stdDev := math.Sqrt(variance)
	if stdDev <= 0 {
		return event.Event{}, false
	}

	zScore := (usage - mean) / stdDev
	if usage < s.cfg.CPUThreshold || zScore < cpuSpikeZScore {
		return event.Event{}, false
	}

	ev, err := event.New(event.Params{
		EventType:   event.TypeResourceAnomaly,
		Severity:    event.SeverityHigh,
		Source:      "host_metrics",
		Description: fmt.Sprintf("CPU spike detected: %.2f%% (z-score %.2f)", usage, zScore),
		Details: map[string]event.Detail{
			"cpu_percent": event.Number(usage),
			"z_score":     event.Number(zScore),
			"baseline_mean": event.Number(mean),
		},
		Remediation: "Inspect running containers for runaway or malicious processes",
	})
	if err != nil {
		return event.Event{}, false
	}
	return ev, true
}

// checkNetwork compares aggregate interface throughput since the last
// Sample call against NetworkThresholdMbps.
func (s *Sampler) checkNetwork(ctx context.Context) ([]event.Event, error) {
	stats, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var events []event.Event
	if !s.lastNetTime.IsZero() {
		elapsed := now.Sub(s.lastNetTime).Seconds()
		if elapsed > 0 {
			mbps := throughputMbps(s.lastNet, stats, elapsed)
			if mbps >= s.cfg.NetworkThresholdMbps {
				ev, err := event.New(event.Params{
					EventType:   event.TypeNetworkAnomaly,
					Severity:    event.SeverityMedium,
					Source:      "host_metrics",
					Description: fmt.Sprintf("Network throughput %.2f Mbps exceeds threshold %.2f Mbps", mbps, s.cfg.NetworkThresholdMbps),
					Details: map[string]event.Detail{
						"throughput_mbps": event.Number(mbps),
						"threshold_mbps":  event.Number(s.cfg.NetworkThresholdMbps),
					},
					Remediation: "Investigate unexpected network traffic volume",
				})
				if err == nil {
					events = append(events, ev)
				}
			}
		}
	}

	for _, st := range stats {
		s.lastNet[st.Name] = st
	}
	s.lastNetTime = now
	return events, nil
}

// throughputMbps computes aggregate rx+tx throughput in megabits/second
// across every interface present in both snapshots.
func throughputMbps(prev map[string]psnet.IOCountersStat, curr []psnet.IOCountersStat, elapsed float64) float64 {
	var totalRxBps, totalTxBps float64
	for _, st := range curr {
		if p, ok := prev[st.Name]; ok {
			totalRxBps += float64(st.BytesRecv-p.BytesRecv) / elapsed
			totalTxBps += float64(st.BytesSent-p.BytesSent) / elapsed
		}
	}
	return ((totalRxBps + totalTxBps) * 8) / 1_000_000
}
