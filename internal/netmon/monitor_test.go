package netmon

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/droid-deck/console/internal/config"
	"github.com/droid-deck/console/internal/protocol"
	"github.com/droid-deck/console/internal/telemetry"
)

func fastTiming() config.TimingConfig {
	t := config.DefaultTiming()
	t.ProbeInterval = 10 * time.Millisecond
	t.ProbeTimeout = 200 * time.Millisecond
	t.BandwidthInterval = 15 * time.Millisecond
	t.BandwidthProbeKB = 4
	return t
}

func collect(t *testing.T, sub *telemetry.Subscription, n int) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	deadline := time.After(3 * time.Second)
	for len(events) < n {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("collected %d of %d events before timeout", len(events), n)
		}
	}
	return events
}

func TestQualityScoreTiers(t *testing.T) {
	cases := []struct {
		latency time.Duration
		want    int
	}{
		{5 * time.Millisecond, 100},
		{20 * time.Millisecond, 100},
		{35 * time.Millisecond, 80},
		{80 * time.Millisecond, 60},
		{400 * time.Millisecond, 20},
	}
	for _, tc := range cases {
		if got := qualityScore(tc.latency); got != tc.want {
			t.Errorf("qualityScore(%v) = %d, want %d", tc.latency, got, tc.want)
		}
	}
}

func TestHostFromEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ws://10.0.0.5:8766", "10.0.0.5:8766"},
		{"wss://droid.local:9000/link", "droid.local:9000"},
		{"10.0.0.5:8766", "10.0.0.5:8766"},
	}
	for _, tc := range cases {
		got, err := HostFromEndpoint(tc.in)
		if err != nil {
			t.Errorf("HostFromEndpoint(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("HostFromEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLatencyProbeAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	hub := telemetry.NewHub(32, 0)
	defer hub.Stop()
	sub := hub.Subscribe(func(ev protocol.Event) bool {
		return ev.EventType() == protocol.TypeNetworkQuality
	})

	mon := NewMonitor(ln.Addr().String(), "", fastTiming(), hub, log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	for _, ev := range collect(t, sub, 3) {
		q := ev.(*protocol.NetworkQuality)
		if !q.OK {
			t.Errorf("probe failed against live listener: %+v", q)
		}
		if q.Quality <= 0 {
			t.Errorf("quality = %d, want positive", q.Quality)
		}
	}
}

func TestLatencyProbeFailureStillSamples(t *testing.T) {
	// A listener that is immediately closed leaves a port nothing
	// accepts on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	target := ln.Addr().String()
	ln.Close()

	hub := telemetry.NewHub(32, 0)
	defer hub.Stop()
	sub := hub.Subscribe(func(ev protocol.Event) bool {
		return ev.EventType() == protocol.TypeNetworkQuality
	})

	mon := NewMonitor(target, "", fastTiming(), hub, log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	// The loop keeps producing samples after failures.
	for _, ev := range collect(t, sub, 3) {
		q := ev.(*protocol.NetworkQuality)
		if q.OK {
			t.Errorf("probe against closed port reported OK: %+v", q)
		}
		if q.Reason == "" {
			t.Error("failed sample carries no reason")
		}
	}
}

func TestBandwidthProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		w.Write(make([]byte, size))
	}))
	defer srv.Close()

	hub := telemetry.NewHub(32, 0)
	defer hub.Stop()
	sub := hub.Subscribe(func(ev protocol.Event) bool {
		return ev.EventType() == protocol.TypeBandwidth
	})

	host, err := HostFromEndpoint(srv.URL)
	if err != nil {
		t.Fatalf("HostFromEndpoint() failed: %v", err)
	}
	mon := NewMonitor(host, srv.URL, fastTiming(), hub, log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	ev := collect(t, sub, 1)[0]
	sample := ev.(*protocol.BandwidthSample)
	if !sample.OK {
		t.Fatalf("bandwidth probe failed: %+v", sample)
	}
	if sample.Mbps <= 0 {
		t.Errorf("mbps = %v, want positive", sample.Mbps)
	}
}

func TestBandwidthProbeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hub := telemetry.NewHub(32, 0)
	defer hub.Stop()
	sub := hub.Subscribe(func(ev protocol.Event) bool {
		return ev.EventType() == protocol.TypeBandwidth
	})

	host, err := HostFromEndpoint(srv.URL)
	if err != nil {
		t.Fatalf("HostFromEndpoint() failed: %v", err)
	}
	mon := NewMonitor(host, srv.URL, fastTiming(), hub, log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	sample := collect(t, sub, 1)[0].(*protocol.BandwidthSample)
	if sample.OK {
		t.Errorf("non-200 probe reported OK: %+v", sample)
	}
}
