package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/droid-deck/console/internal/config"
	"github.com/droid-deck/console/internal/protocol"
	"github.com/droid-deck/console/internal/telemetry"
	"github.com/droid-deck/console/internal/transport/fake"
)

func testTiming() config.TimingConfig {
	t := config.DefaultTiming()
	t.DialTimeout = 200 * time.Millisecond
	t.WriteTimeout = 200 * time.Millisecond
	t.ReconnectInitial = 5 * time.Millisecond
	t.ReconnectMax = 40 * time.Millisecond
	t.ReconnectJitter = 0
	t.PendingQueueSize = 8
	t.SendQueueSize = 16
	t.StopTimeout = 2 * time.Second
	return t
}

func newTestSession(t *testing.T, dialer *fake.Dialer, hub *telemetry.Hub) *Session {
	t.Helper()
	s, err := New(Options{
		Endpoint: "ws://test-backend:8766",
		Dialer:   dialer,
		Hub:      hub,
		Timing:   testTiming(),
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return s
}

func waitForState(t *testing.T, sub *telemetry.Subscription, want string) *protocol.ConnectionState {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed while waiting for state")
			}
			if cs, isState := ev.(*protocol.ConnectionState); isState && cs.State == want {
				return cs
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func stateFilter(ev protocol.Event) bool {
	return ev.EventType() == protocol.TypeConnectionState
}

func TestNewRejectsBadEndpoints(t *testing.T) {
	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()

	cases := []string{"", "http://10.0.0.5:8766", "ws://"}
	for _, endpoint := range cases {
		_, err := New(Options{
			Endpoint: endpoint,
			Dialer:   &fake.Dialer{},
			Hub:      hub,
			Timing:   testTiming(),
		})
		if err == nil {
			t.Errorf("New() accepted endpoint %q", endpoint)
		}
	}

	// A bare host:port normalizes rather than failing.
	s, err := New(Options{
		Endpoint: "10.0.0.5:8766",
		Dialer:   &fake.Dialer{},
		Hub:      hub,
		Timing:   testTiming(),
	})
	if err != nil {
		t.Fatalf("New() rejected bare host:port: %v", err)
	}
	if s.endpoint != "ws://10.0.0.5:8766" {
		t.Errorf("endpoint = %q, want normalized ws URL", s.endpoint)
	}
}

func TestSendBeforeStart(t *testing.T) {
	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()
	s := newTestSession(t, &fake.Dialer{}, hub)

	if err := s.Send(protocol.GetScenesCommand{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Send() before start = %v, want ErrNotStarted", err)
	}
}

func TestStartTwice(t *testing.T) {
	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()
	s := newTestSession(t, &fake.Dialer{}, hub)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestConnectPublishesState(t *testing.T) {
	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()
	sub := hub.Subscribe(stateFilter)

	s := newTestSession(t, &fake.Dialer{}, hub)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	waitForState(t, sub, "connecting")
	waitForState(t, sub, "connected")
	if got := s.State(); got != StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}
}

func TestReconnectDelaysNeverDecrease(t *testing.T) {
	hub := telemetry.NewHub(64, 0)
	defer hub.Stop()
	sub := hub.Subscribe(stateFilter)

	dialer := &fake.Dialer{FailDials: 4}
	s := newTestSession(t, dialer, hub)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	var delays []time.Duration
	for len(delays) < 4 {
		cs := waitForState(t, sub, "reconnecting")
		if cs.Delay == 0 {
			// Pre-dial announcement; the delay rides on the failure event.
			continue
		}
		delays = append(delays, cs.Delay)
	}
	waitForState(t, sub, "connected")

	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Errorf("delay %d (%v) below delay %d (%v)", i, delays[i], i-1, delays[i-1])
		}
	}
	if dialer.Dials() < 5 {
		t.Errorf("dials = %d, want at least 5", dialer.Dials())
	}
}

func TestQueuedCommandsFlushInOrder(t *testing.T) {
	hub := telemetry.NewHub(64, 0)
	defer hub.Stop()
	sub := hub.Subscribe(stateFilter)

	dialer := &fake.Dialer{FailDials: 2}
	s := newTestSession(t, dialer, hub)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	// Queue while the dialer is still refusing.
	for _, emotion := range []string{"first", "second", "third"} {
		if err := s.Send(protocol.SceneCommand{Emotion: emotion}); err != nil {
			t.Fatalf("Send(%s) failed: %v", emotion, err)
		}
	}

	waitForState(t, sub, "connected")
	conn := dialer.LastConn()

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.Written()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d frames written", len(conn.Written()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	var emotions []string
	for _, frame := range conn.Written() {
		var msg struct {
			Type    string `json:"type"`
			Emotion string `json:"emotion"`
		}
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("bad frame %s: %v", frame, err)
		}
		emotions = append(emotions, msg.Emotion)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if emotions[i] != want[i] {
			t.Fatalf("flush order = %v, want %v", emotions, want)
		}
	}
}

func TestPendingOverflowDropsOldest(t *testing.T) {
	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()

	dialer := &fake.Dialer{FailDials: 1 << 30}
	s := newTestSession(t, dialer, hub)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	// Capacity is 8; send 10 and confirm none of it errors.
	for i := 0; i < 10; i++ {
		if err := s.Send(protocol.PiControlCommand{Action: "ping"}); err != nil {
			t.Fatalf("Send() failed at %d: %v", i, err)
		}
	}
}

func TestSendOverflowWhileConnectedKeepsOrder(t *testing.T) {
	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()
	states := hub.Subscribe(stateFilter)

	dialer := &fake.Dialer{}
	timing := testTiming()
	timing.SendQueueSize = 2
	s, err := New(Options{
		Endpoint: "ws://test-backend:8766",
		Dialer:   dialer,
		Hub:      hub,
		Timing:   timing,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	waitForState(t, states, "connected")
	conn := dialer.LastConn()
	conn.HoldWrites()

	// Park the writer on the first frame so the queue fills behind it.
	if err := s.Send(protocol.SceneCommand{Emotion: "one"}); err != nil {
		t.Fatalf("Send(one) failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for conn.WriteAttempts() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("writer never picked up the first frame")
		}
		time.Sleep(time.Millisecond)
	}

	// Two fill the queue; two more force drop-oldest inside it.
	for _, emotion := range []string{"two", "three", "four", "five"} {
		if err := s.Send(protocol.SceneCommand{Emotion: emotion}); err != nil {
			t.Fatalf("Send(%s) failed: %v", emotion, err)
		}
	}
	conn.ReleaseWrites()

	deadline = time.Now().Add(2 * time.Second)
	for len(conn.Written()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d frames written", len(conn.Written()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	var emotions []string
	for _, frame := range conn.Written() {
		var msg struct {
			Emotion string `json:"emotion"`
		}
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("bad frame %s: %v", frame, err)
		}
		emotions = append(emotions, msg.Emotion)
	}
	// The overflow evicts the oldest queued frames; survivors still go
	// out in the order they were sent, none deferred to a reconnect.
	want := []string{"one", "four", "five"}
	if len(emotions) != len(want) {
		t.Fatalf("written = %v, want %v", emotions, want)
	}
	for i := range want {
		if emotions[i] != want[i] {
			t.Fatalf("written = %v, want %v", emotions, want)
		}
	}
}

func TestValidationFailureIsImmediate(t *testing.T) {
	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()

	s := newTestSession(t, &fake.Dialer{FailDials: 1 << 30}, hub)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	err := s.Send(protocol.SceneCommand{})
	var verr *protocol.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Send(invalid) = %v, want ValidationError", err)
	}
}

func TestInboundEventsReachHub(t *testing.T) {
	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()
	states := hub.Subscribe(stateFilter)
	telemetrySub := hub.Subscribe(func(ev protocol.Event) bool {
		return ev.EventType() == protocol.TypeTelemetry
	})

	dialer := &fake.Dialer{}
	s := newTestSession(t, dialer, hub)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	waitForState(t, states, "connected")
	dialer.LastConn().InjectFrame([]byte(`{"type":"telemetry","battery_voltage":11.4}`))

	select {
	case ev := <-telemetrySub.Events():
		tel := ev.(*protocol.TelemetryUpdate)
		if tel.BatteryVoltage != 11.4 {
			t.Errorf("battery = %v, want 11.4", tel.BatteryVoltage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry never reached the hub")
	}
}

func TestMalformedFrameDoesNotDropLink(t *testing.T) {
	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()
	states := hub.Subscribe(stateFilter)
	events := hub.Subscribe(func(ev protocol.Event) bool {
		return ev.EventType() == protocol.TypeSceneDone
	})

	dialer := &fake.Dialer{}
	s := newTestSession(t, dialer, hub)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	waitForState(t, states, "connected")
	conn := dialer.LastConn()
	conn.InjectFrame([]byte(`garbage`))
	conn.InjectFrame([]byte(`{"type":"scene_done","scene":"happy"}`))

	select {
	case ev := <-events.Events():
		if ev.(*protocol.SceneDone).Scene != "happy" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("link did not survive the malformed frame")
	}

	if got := s.DecodeErrors(); got != 1 {
		t.Errorf("DecodeErrors() = %d, want 1", got)
	}
	if got := s.State(); got != StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	hub := telemetry.NewHub(64, 0)
	defer hub.Stop()
	states := hub.Subscribe(stateFilter)

	dialer := &fake.Dialer{}
	s := newTestSession(t, dialer, hub)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	waitForState(t, states, "connected")
	first := dialer.LastConn()
	first.Close()

	waitForState(t, states, "reconnecting")
	waitForState(t, states, "connected")

	if dialer.LastConn() == first {
		t.Error("session did not establish a fresh connection")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()

	s := newTestSession(t, &fake.Dialer{}, hub)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
	if got := s.State(); got != StateDisconnected {
		t.Errorf("State() after stop = %v, want disconnected", got)
	}
}

func TestBackoffSequence(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, expected := range want {
		if got := b.Next(); got != expected {
			t.Errorf("delay %d = %v, want %v", i, got, expected)
		}
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("delay after reset = %v, want 1s", got)
	}
}

func TestBackoffJitterStaysMonotonicAndCapped(t *testing.T) {
	b := &Backoff{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2, Jitter: 0.5}

	var prev time.Duration
	for i := 0; i < 12; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("delay %d (%v) below previous (%v)", i, d, prev)
		}
		if d > 2*time.Second {
			t.Fatalf("delay %d (%v) above cap", i, d)
		}
		prev = d
	}
	if prev != 2*time.Second {
		t.Errorf("capped delay = %v, want exactly 2s", prev)
	}
}
