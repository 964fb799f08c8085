package input

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/0xcafed00d/joystick"

	"github.com/droid-deck/console/internal/config"
	"github.com/droid-deck/console/internal/protocol"
	"github.com/droid-deck/console/internal/telemetry"
)

type fakeDevice struct {
	mu     sync.Mutex
	state  joystick.State
	err    error
	closed bool
}

func (d *fakeDevice) Read() (joystick.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.err
}

func (d *fakeDevice) Name() string { return "Test Pad" }

func (d *fakeDevice) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

func (d *fakeDevice) set(axes []int, buttons uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = joystick.State{AxisData: axes, Buttons: buttons}
}

func (d *fakeDevice) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

type sampleSink struct {
	mu      sync.Mutex
	samples map[string][]float64
}

func newSampleSink() *sampleSink {
	return &sampleSink{samples: make(map[string][]float64)}
}

func (s *sampleSink) emit(control string, raw float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[control] = append(s.samples[control], raw)
}

func (s *sampleSink) get(control string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.samples[control]...)
}

func testInputConfig() config.InputConfig {
	return config.InputConfig{
		Device: 0,
		PollHz: 200,
		AxisMap: map[string]string{
			"0": "left_stick_x",
			"1": "left_stick_y",
		},
		ButtonMap: map[string]string{
			"0": "btn_a",
		},
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPollEmitsChangedControls(t *testing.T) {
	dev := &fakeDevice{}
	dev.set([]int{0, 0}, 0)

	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()
	sink := newSampleSink()

	src := NewSource(testInputConfig(), hub, sink.emit, log.New(io.Discard, "", 0))
	src.open = func(int) (Device, error) { return dev, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	// First poll reports the baseline for every mapped control.
	waitFor(t, func() bool { return len(sink.get("left_stick_x")) >= 1 }, "baseline sample")

	dev.set([]int{12345, 0}, 0)
	waitFor(t, func() bool {
		values := sink.get("left_stick_x")
		return len(values) >= 2 && values[len(values)-1] == 12345
	}, "axis delta")

	// The untouched axis reported only its baseline.
	if values := sink.get("left_stick_y"); len(values) != 1 {
		t.Errorf("left_stick_y samples = %v, want baseline only", values)
	}
}

func TestButtonsEmitUnitValues(t *testing.T) {
	dev := &fakeDevice{}
	dev.set([]int{0, 0}, 0)

	hub := telemetry.NewHub(16, 0)
	defer hub.Stop()
	sink := newSampleSink()

	src := NewSource(testInputConfig(), hub, sink.emit, log.New(io.Discard, "", 0))
	src.open = func(int) (Device, error) { return dev, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	waitFor(t, func() bool { return len(sink.get("btn_a")) >= 1 }, "baseline")

	dev.set([]int{0, 0}, 1)
	waitFor(t, func() bool {
		values := sink.get("btn_a")
		return values[len(values)-1] == 1
	}, "press")

	dev.set([]int{0, 0}, 0)
	waitFor(t, func() bool {
		values := sink.get("btn_a")
		return values[len(values)-1] == 0
	}, "release")
}

func TestDeviceLossAnnouncedAndReopened(t *testing.T) {
	first := &fakeDevice{}
	first.set([]int{0, 0}, 0)

	hub := telemetry.NewHub(32, 0)
	defer hub.Stop()
	sub := hub.Subscribe(func(ev protocol.Event) bool {
		return ev.EventType() == protocol.TypeControllerStatus
	})

	var mu sync.Mutex
	opens := 0
	src := NewSource(testInputConfig(), hub, func(string, float64) {}, log.New(io.Discard, "", 0))
	src.open = func(int) (Device, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		return first, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	status := <-sub.Events()
	if cs := status.(*protocol.ControllerStatus); !cs.Connected || cs.Name != "Test Pad" {
		t.Fatalf("first status = %+v, want connected", cs)
	}

	first.fail(errors.New("device unplugged"))

	select {
	case ev := <-sub.Events():
		cs := ev.(*protocol.ControllerStatus)
		if cs.Connected {
			t.Fatalf("status after failure = %+v, want disconnected", cs)
		}
		if cs.Reason == "" {
			t.Error("disconnect status carries no reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device loss never announced")
	}

	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Error("failed device was not closed")
	}
}
