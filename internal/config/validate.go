package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalid wraps every fatal validation error returned by Load.
var ErrInvalid = errors.New("config: invalid")

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}

// ValidationResult is the outcome of ValidateTiered: Fatals block startup,
// Warnings record each field that was clamped or reset to a safe value.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal error was recorded.
func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings, for callers that just want
// to log everything found.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks c for invalid values. Malformed addresses/ports and
// an inconsistent TLS pair are fatal; everything else is a clamped warning,
// mirroring the teacher's tiered validation policy.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.Listen != "" {
		if _, err := net.LookupPort("tcp", c.Listen); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("listen %q is not a valid port: %w", c.Listen, err))
		}
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		r.Fatals = append(r.Fatals, fmt.Errorf("tls_cert and tls_key must both be set or both be empty"))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error), defaulting to info", c.LogLevel))
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json), defaulting to text", c.LogFormat))
		c.LogFormat = "text"
	}

	clampInt(&r, &c.SelectTimeoutSeconds, "select_timeout_seconds", 1, 300, 15)
	clampInt(&r, &c.HandshakeTimeoutSeconds, "handshake_timeout_seconds", 1, 300, 15)
	clampInt(&r, &c.IdleTimeoutSeconds, "idle_timeout_seconds", 1, 3600, 120)

	clampInt(&r, &c.FrameStartTimeoutMS, "frame_start_timeout_ms", 1, 10000, 250)
	clampInt(&r, &c.FrameDurationMS, "frame_duration_ms", 1, 10000, 40)
	clampInt(&r, &c.FrameTimeoutMS, "frame_timeout_ms", 1, 10000, 12)

	clampInt(&r, &c.MaxStreams, "max_streams", 1, 4096, 64)
	clampInt(&r, &c.MaxObjects, "max_objects", 1, 4096, 64)
	clampInt(&r, &c.UpdateQueueDepth, "update_queue_depth", 1, 65536, 256)

	clampInt(&r, &c.HeatCellSize, "heat_cell_size", 1, 4096, 64)
	clampInt(&r, &c.MaxWidth, "max_width", 1, 16384, 5120)
	clampInt(&r, &c.MaxHeight, "max_height", 1, 16384, 3200)

	if c.HeatLowWatermark >= c.HeatHighWatermark {
		r.Warnings = append(r.Warnings, fmt.Errorf("heat_low_watermark_hz %.1f must be below heat_high_watermark_hz %.1f, restoring defaults", c.HeatLowWatermark, c.HeatHighWatermark))
		c.HeatHighWatermark, c.HeatLowWatermark = 15, 4
	}

	return r
}

func clampInt(r *ValidationResult, field *int, name string, min, max, fallback int) {
	if *field < min || *field > max {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d out of range [%d,%d], clamping to %d", name, *field, min, max, fallback))
		*field = fallback
	}
}
