// Package servo tracks the droid's servo inventory: which channels
// exist, their safe position bounds, and the last positions and
// controller health reported by the backend.
package servo

import (
	"fmt"
	"sync"
	"time"

	"github.com/droid-deck/console/internal/protocol"
)

// Channel describes one addressable servo output.
type Channel struct {
	Name    string `json:"name"`
	Maestro int    `json:"maestro"`
	Index   int    `json:"index"`
	Min     int    `json:"min"`
	Max     int    `json:"max"`
	Home    int    `json:"home"`
}

// MaestroHealth is the last known state of one servo controller board.
type MaestroHealth struct {
	Connected bool
	LastSeen  time.Time
}

// Registry is the servo inventory. It implements protocol.ChannelLimits
// so the codec and mapping engine validate against real bounds.
type Registry struct {
	mu        sync.RWMutex
	channels  map[string]*Channel
	byMaestro map[int][]string
	positions map[string]int
	maestros  map[int]*MaestroHealth
}

// NewRegistry builds the inventory. Channel names must be unique.
func NewRegistry(channels []Channel) (*Registry, error) {
	r := &Registry{
		channels:  make(map[string]*Channel, len(channels)),
		byMaestro: make(map[int][]string),
		positions: make(map[string]int),
		maestros:  make(map[int]*MaestroHealth),
	}
	for i := range channels {
		ch := channels[i]
		if ch.Name == "" {
			return nil, fmt.Errorf("servo channel with empty name")
		}
		if _, dup := r.channels[ch.Name]; dup {
			return nil, fmt.Errorf("servo channel %q declared more than once", ch.Name)
		}
		if ch.Min >= ch.Max {
			return nil, fmt.Errorf("servo channel %q: min %d not below max %d", ch.Name, ch.Min, ch.Max)
		}
		r.channels[ch.Name] = &ch
		r.byMaestro[ch.Maestro] = append(r.byMaestro[ch.Maestro], ch.Name)
		if _, ok := r.maestros[ch.Maestro]; !ok {
			r.maestros[ch.Maestro] = &MaestroHealth{}
		}
	}
	return r, nil
}

// PositionRange reports a channel's valid position bounds.
func (r *Registry) PositionRange(channel string) (int, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channel]
	if !ok {
		return 0, 0, false
	}
	return ch.Min, ch.Max, true
}

// Lookup returns a copy of one channel's definition.
func (r *Registry) Lookup(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

// Channels lists every known channel name.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	return out
}

// Maestros lists every controller board number in the inventory.
func (r *Registry) Maestros() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.maestros))
	for n := range r.maestros {
		out = append(out, n)
	}
	return out
}

// Position returns the last reported position for a channel.
func (r *Registry) Position(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[name]
	return pos, ok
}

// Health returns the last known state of one maestro board.
func (r *Registry) Health(maestro int) (MaestroHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.maestros[maestro]
	if !ok {
		return MaestroHealth{}, false
	}
	return *h, true
}

// ObserveTelemetry updates maestro health flags from a telemetry push.
func (r *Registry) ObserveTelemetry(tel *protocol.TelemetryUpdate, now time.Time) {
	if tel == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observeMaestro(1, tel.Maestro1.Connected, now)
	r.observeMaestro(2, tel.Maestro2.Connected, now)
}

func (r *Registry) observeMaestro(n int, connected bool, now time.Time) {
	h, ok := r.maestros[n]
	if !ok {
		h = &MaestroHealth{}
		r.maestros[n] = h
	}
	h.Connected = connected
	if connected {
		h.LastSeen = now
	}
}

// ObservePosition records a single reported channel position. Unknown
// channels are ignored.
func (r *Registry) ObservePosition(ev *protocol.ServoPosition) {
	if ev == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[ev.Channel]; !ok {
		return
	}
	r.positions[ev.Channel] = ev.Position
}

// ObserveAllPositions records a full position dump for one maestro. Keys
// are channel indices on that board.
func (r *Registry) ObserveAllPositions(ev *protocol.AllServoPositions) {
	if ev == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.byMaestro[ev.Maestro] {
		ch := r.channels[name]
		if pos, ok := ev.Positions[fmt.Sprintf("%d", ch.Index)]; ok {
			r.positions[name] = pos
		}
	}
}
