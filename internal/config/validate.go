package config

import (
	"fmt"
	"strings"
)

var logLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true,
	"warn": true, "warning": true, "error": true,
}

// Validate rejects configs that would misconfigure the daemon at boot
// or on hot reload. Duration strings are parsed here so a bad value
// fails the reload instead of silently falling back to a default.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if !logLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers: must be >= 0")
	}

	seen := map[string]bool{}
	for i, w := range cfg.Workers {
		at := fmt.Sprintf("workers[%d]", i)
		if strings.TrimSpace(w.ID) == "" {
			return fmt.Errorf("%s: missing id", at)
		}
		if seen[w.ID] {
			return fmt.Errorf("%s: duplicate id %q", at, w.ID)
		}
		seen[w.ID] = true
		if strings.TrimSpace(w.Command) == "" {
			return fmt.Errorf("%s: missing command", at)
		}
		for field, raw := range map[string]string{
			"heartbeat_interval": w.HeartbeatInterval,
			"backoff_base":       w.BackoffBase,
			"backoff_max":        w.BackoffMax,
			"graceful_stop":      w.GracefulStop,
			"control_timeout":    w.ControlTimeout,
		} {
			if _, err := ParseDurationField(at+"."+field, raw); err != nil {
				return err
			}
		}
	}

	if cfg.Bridge.Enabled {
		if _, err := ParseDurationField("bridge.poll_timeout", cfg.Bridge.PollTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("bridge.cleanup_grace", cfg.Bridge.CleanupGrace); err != nil {
			return err
		}
		if mq := cfg.Bridge.MQTT; mq != nil {
			if strings.TrimSpace(mq.Broker) == "" {
				return fmt.Errorf("bridge.mqtt.broker: missing")
			}
			if mq.QoS < 0 || mq.QoS > 2 {
				return fmt.Errorf("bridge.mqtt.qos: must be 0..2")
			}
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				return fmt.Errorf("storage.path: required for sqlite")
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
