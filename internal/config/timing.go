package config

import (
	"fmt"
	"time"
)

// TimingConfig centralizes every interval, timeout, and buffer size in
// the console. All tuning lives here so tests can shrink the whole
// system's clock in one place.
type TimingConfig struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	ReconnectInitial    time.Duration
	ReconnectMultiplier float64
	ReconnectMax        time.Duration
	ReconnectJitter     float64

	PendingQueueSize     int
	SendQueueSize        int
	SubscriberBufferSize int
	EventHistorySize     int

	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	BandwidthInterval  time.Duration
	BandwidthProbeKB   int
	StopTimeout        time.Duration
}

// DefaultTiming returns production defaults.
func DefaultTiming() TimingConfig {
	return TimingConfig{
		DialTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Second,

		ReconnectInitial:    time.Second,
		ReconnectMultiplier: 2.0,
		ReconnectMax:        30 * time.Second,
		ReconnectJitter:     0.2,

		PendingQueueSize:     64,
		SendQueueSize:        256,
		SubscriberBufferSize: 128,
		EventHistorySize:     64,

		ProbeInterval:     2 * time.Second,
		ProbeTimeout:      1500 * time.Millisecond,
		BandwidthInterval: 30 * time.Second,
		BandwidthProbeKB:  256,
		StopTimeout:       3 * time.Second,
	}
}

// rawTiming is the YAML shape: durations as strings ("500ms", "2s").
type rawTiming struct {
	DialTimeout  string `yaml:"dial_timeout"`
	WriteTimeout string `yaml:"write_timeout"`

	ReconnectInitial    string  `yaml:"reconnect_initial"`
	ReconnectMultiplier float64 `yaml:"reconnect_multiplier"`
	ReconnectMax        string  `yaml:"reconnect_max"`
	ReconnectJitter     float64 `yaml:"reconnect_jitter"`

	PendingQueueSize     int `yaml:"pending_queue_size"`
	SendQueueSize        int `yaml:"send_queue_size"`
	SubscriberBufferSize int `yaml:"subscriber_buffer_size"`
	EventHistorySize     int `yaml:"event_history_size"`

	ProbeInterval     string `yaml:"probe_interval"`
	ProbeTimeout      string `yaml:"probe_timeout"`
	BandwidthInterval string `yaml:"bandwidth_interval"`
	BandwidthProbeKB  int    `yaml:"bandwidth_probe_kb"`
	StopTimeout       string `yaml:"stop_timeout"`
}

// UnmarshalYAML overlays file values onto whatever the config already
// holds (the defaults), so a partial timing section is valid.
func (t *TimingConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw rawTiming
	if err := unmarshal(&raw); err != nil {
		return err
	}

	durations := []struct {
		value string
		dst   *time.Duration
		name  string
	}{
		{raw.DialTimeout, &t.DialTimeout, "dial_timeout"},
		{raw.WriteTimeout, &t.WriteTimeout, "write_timeout"},
		{raw.ReconnectInitial, &t.ReconnectInitial, "reconnect_initial"},
		{raw.ReconnectMax, &t.ReconnectMax, "reconnect_max"},
		{raw.ProbeInterval, &t.ProbeInterval, "probe_interval"},
		{raw.ProbeTimeout, &t.ProbeTimeout, "probe_timeout"},
		{raw.BandwidthInterval, &t.BandwidthInterval, "bandwidth_interval"},
		{raw.StopTimeout, &t.StopTimeout, "stop_timeout"},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("timing.%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if raw.ReconnectMultiplier != 0 {
		t.ReconnectMultiplier = raw.ReconnectMultiplier
	}
	if raw.ReconnectJitter != 0 {
		t.ReconnectJitter = raw.ReconnectJitter
	}
	if raw.PendingQueueSize != 0 {
		t.PendingQueueSize = raw.PendingQueueSize
	}
	if raw.SendQueueSize != 0 {
		t.SendQueueSize = raw.SendQueueSize
	}
	if raw.SubscriberBufferSize != 0 {
		t.SubscriberBufferSize = raw.SubscriberBufferSize
	}
	if raw.EventHistorySize != 0 {
		t.EventHistorySize = raw.EventHistorySize
	}
	if raw.BandwidthProbeKB != 0 {
		t.BandwidthProbeKB = raw.BandwidthProbeKB
	}
	return nil
}

// ValidateTiming rejects values the runtime cannot operate on.
func ValidateTiming(t TimingConfig) error {
	if t.DialTimeout <= 0 {
		return fmt.Errorf("timing.dial_timeout must be positive, got %v", t.DialTimeout)
	}
	if t.WriteTimeout <= 0 {
		return fmt.Errorf("timing.write_timeout must be positive, got %v", t.WriteTimeout)
	}
	if t.ReconnectInitial <= 0 {
		return fmt.Errorf("timing.reconnect_initial must be positive, got %v", t.ReconnectInitial)
	}
	if t.ReconnectMultiplier < 1 {
		return fmt.Errorf("timing.reconnect_multiplier must be >= 1, got %v", t.ReconnectMultiplier)
	}
	if t.ReconnectMax < t.ReconnectInitial {
		return fmt.Errorf("timing.reconnect_max %v below reconnect_initial %v", t.ReconnectMax, t.ReconnectInitial)
	}
	if t.ReconnectJitter < 0 || t.ReconnectJitter > 1 {
		return fmt.Errorf("timing.reconnect_jitter must be in [0, 1], got %v", t.ReconnectJitter)
	}
	if t.PendingQueueSize <= 0 || t.SendQueueSize <= 0 {
		return fmt.Errorf("timing queue sizes must be positive")
	}
	if t.SubscriberBufferSize <= 0 || t.EventHistorySize <= 0 {
		return fmt.Errorf("timing buffer sizes must be positive")
	}
	if t.ProbeInterval <= 0 || t.ProbeTimeout <= 0 {
		return fmt.Errorf("timing probe settings must be positive")
	}
	if t.BandwidthInterval <= 0 {
		return fmt.Errorf("timing.bandwidth_interval must be positive, got %v", t.BandwidthInterval)
	}
	if t.StopTimeout <= 0 {
		return fmt.Errorf("timing.stop_timeout must be positive, got %v", t.StopTimeout)
	}
	return nil
}
