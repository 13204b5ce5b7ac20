package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateDefaults(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Fabric.MaxAgents = 0
	cfg.Fabric.HeartbeatInterval = 0
	cfg.Logger.Level = "verbose"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(ve.Errors), ve.Errors)
	}
	if !strings.Contains(err.Error(), "fabric.max_agents") {
		t.Errorf("error should name fabric.max_agents: %v", err)
	}
}

func TestValidateRetryDelays(t *testing.T) {
	cfg := Defaults()
	cfg.Fabric.RetryBaseDelay = 10 * time.Second
	cfg.Fabric.RetryMaxDelay = 1 * time.Second
	if Validate(cfg) == nil {
		t.Error("retry_max_delay < retry_base_delay must fail validation")
	}
}

func TestValidateBackoffMultiplier(t *testing.T) {
	cfg := Defaults()
	cfg.Fabric.RetryBackoffMultiplier = 0.5
	if Validate(cfg) == nil {
		t.Error("multiplier < 1.0 must fail validation")
	}
}

func TestValidateKpiStoreDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.KpiStore.Enabled = false
	cfg.KpiStore.Path = ""
	cfg.KpiStore.Retention = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled kpi store should skip validation: %v", err)
	}
}

func TestValidateTracerExporter(t *testing.T) {
	cfg := Defaults()
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "jaeger"
	if Validate(cfg) == nil {
		t.Error("unknown tracer exporter must fail validation")
	}
}
