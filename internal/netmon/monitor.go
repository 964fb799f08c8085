// Package netmon watches link health independently of the command
// path: periodic TCP latency probes against the backend and optional
// HTTP bandwidth probes. Every probe produces a sample, including the
// failed ones, so consumers can tell "slow" from "gone".
package netmon

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/droid-deck/console/internal/config"
	"github.com/droid-deck/console/internal/protocol"
	"github.com/droid-deck/console/internal/telemetry"
)

// Latency tiers, worst probe still scores above zero so a live-but-bad
// link is distinguishable from a dead one.
func qualityScore(latency time.Duration) int {
	switch {
	case latency <= 20*time.Millisecond:
		return 100
	case latency <= 50*time.Millisecond:
		return 80
	case latency <= 100*time.Millisecond:
		return 60
	default:
		return 20
	}
}

// Monitor runs the probe loops.
type Monitor struct {
	target       string
	bandwidthURL string
	timing       config.TimingConfig
	hub          *telemetry.Hub
	logger       *log.Logger

	// dial is swappable for tests.
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
	http *http.Client
}

// NewMonitor probes target (host:port) for latency. bandwidthURL may be
// empty to disable bandwidth probing.
func NewMonitor(target, bandwidthURL string, timing config.TimingConfig, hub *telemetry.Hub, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		target:       target,
		bandwidthURL: bandwidthURL,
		timing:       timing,
		hub:          hub,
		logger:       logger,
		dial:         net.DialTimeout,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

// HostFromEndpoint extracts the host:port a websocket endpoint points
// at, for use as the latency probe target.
func HostFromEndpoint(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return u.Host, nil
}

// Run probes until the context ends. Probe failures are published, not
// fatal.
func (m *Monitor) Run(ctx context.Context) {
	latencyTicker := time.NewTicker(m.timing.ProbeInterval)
	defer latencyTicker.Stop()

	var bandwidthC <-chan time.Time
	if m.bandwidthURL != "" {
		bandwidthTicker := time.NewTicker(m.timing.BandwidthInterval)
		defer bandwidthTicker.Stop()
		bandwidthC = bandwidthTicker.C
	}

	// Probe immediately so the console is not blind for a full interval
	// after startup.
	m.probeLatency()

	for {
		select {
		case <-latencyTicker.C:
			m.probeLatency()
		case <-bandwidthC:
			m.probeBandwidth(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probeLatency() {
	start := time.Now()
	conn, err := m.dial("tcp", m.target, m.timing.ProbeTimeout)
	latency := time.Since(start)

	if err != nil {
		m.hub.Publish(&protocol.NetworkQuality{OK: false, Reason: err.Error()})
		return
	}
	conn.Close()

	m.hub.Publish(&protocol.NetworkQuality{
		LatencyMS: float64(latency.Microseconds()) / 1000.0,
		Quality:   qualityScore(latency),
		OK:        true,
	})
}

func (m *Monitor) probeBandwidth(ctx context.Context) {
	size := m.timing.BandwidthProbeKB * 1024
	probeURL := fmt.Sprintf("%s?size=%d", m.bandwidthURL, size)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		m.hub.Publish(&protocol.BandwidthSample{OK: false, Reason: err.Error()})
		return
	}

	start := time.Now()
	resp, err := m.http.Do(req)
	if err != nil {
		m.hub.Publish(&protocol.BandwidthSample{OK: false, Reason: err.Error()})
		return
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		m.hub.Publish(&protocol.BandwidthSample{OK: false, Reason: err.Error()})
		return
	}
	if resp.StatusCode != http.StatusOK {
		m.hub.Publish(&protocol.BandwidthSample{
			OK:     false,
			Reason: fmt.Sprintf("probe returned %s", resp.Status),
		})
		return
	}
	if elapsed <= 0 {
		elapsed = time.Microsecond
	}

	mbps := float64(n) * 8 / elapsed.Seconds() / 1e6
	m.hub.Publish(&protocol.BandwidthSample{Mbps: mbps, OK: true})
}
