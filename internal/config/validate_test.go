package config

import (
	"fmt"
	"testing"
)

func TestValidateTieredBadListenPortIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Listen = "not-a-port"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("expected a fatal error for an invalid listen port")
	}
}

func TestValidateTieredMismatchedTLSPairIsFatal(t *testing.T) {
	cfg := Default()
	cfg.TLSCert = "/etc/relayd/cert.pem"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("expected a fatal error when tls_cert is set without tls_key")
	}
}

func TestValidateTieredFrameDurationClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.FrameDurationMS = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped frame_duration_ms should be a warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning for out-of-range frame_duration_ms")
	}
	if cfg.FrameDurationMS != 40 {
		t.Fatalf("expected frame_duration_ms clamped to default 40, got %d", cfg.FrameDurationMS)
	}
}

func TestValidateTieredStreamObjectBoundsClamping(t *testing.T) {
	cfg := Default()
	cfg.MaxStreams = -1
	cfg.MaxObjects = 100000
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped max_streams/max_objects should be warnings: %v", result.Fatals)
	}
	if cfg.MaxStreams != 64 || cfg.MaxObjects != 64 {
		t.Fatalf("expected both clamped to default 64, got %d/%d", cfg.MaxStreams, cfg.MaxObjects)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("unknown log_level should be a warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning for unknown log_level")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected log_level defaulted to info, got %q", cfg.LogLevel)
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("invalid log_format should be a warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning for invalid log_format")
	}
}

func TestValidateTieredHeatWatermarkInversionIsWarning(t *testing.T) {
	cfg := Default()
	cfg.HeatHighWatermark = 2
	cfg.HeatLowWatermark = 10
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("inverted watermarks should be a warning, not fatal: %v", result.Fatals)
	}
	if cfg.HeatLowWatermark >= cfg.HeatHighWatermark {
		t.Fatalf("expected watermarks restored to a valid ordering, got low=%.1f high=%.1f", cfg.HeatLowWatermark, cfg.HeatHighWatermark)
	}
}

func TestHasFatals(t *testing.T) {
	var r ValidationResult
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.TLSCert = "/etc/relayd/cert.pem" // fatal
	cfg.FrameDurationMS = 0              // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidateTieredDefaultConfigIsClean(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("default config has warnings: %v", result.Warnings)
	}
}
