package domain

import (
	"testing"
	"time"
)

func TestAgentStateTransitions(t *testing.T) {
	cases := []struct {
		from, to AgentState
		ok       bool
	}{
		{AgentInitializing, AgentIdle, true},
		{AgentInitializing, AgentBusy, false},
		{AgentIdle, AgentBusy, true},
		{AgentBusy, AgentIdle, true},
		{AgentIdle, AgentFailed, true},
		{AgentBusy, AgentFailed, true},
		{AgentIdle, AgentIdle, false},
		{AgentFailed, AgentIdle, false},
		{AgentFailed, AgentBusy, false},
		{AgentIdle, AgentTerminating, true},
		{AgentBusy, AgentTerminating, true},
		{AgentFailed, AgentTerminating, true},
		{AgentInitializing, AgentTerminating, true},
		{AgentTerminating, AgentStopped, true},
		{AgentTerminating, AgentTerminating, false},
		{AgentStopped, AgentTerminating, false},
		{AgentStopped, AgentIdle, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestAgentStateLive(t *testing.T) {
	for _, s := range []AgentState{AgentInitializing, AgentIdle, AgentBusy, AgentTerminating} {
		if !s.Live() {
			t.Errorf("%s should be live", s)
		}
	}
	for _, s := range []AgentState{AgentFailed, AgentStopped} {
		if s.Live() {
			t.Errorf("%s should not be live", s)
		}
	}
}

func TestCapabilitiesSupports(t *testing.T) {
	caps := AgentCapabilities{SupportedTaskTypes: []string{"scan", "analyze"}}
	if !caps.Supports("scan") {
		t.Error("should support 'scan'")
	}
	if caps.Supports("render") {
		t.Error("should not support 'render'")
	}
}

func TestHealthStatusEvictable(t *testing.T) {
	if HealthHealthy.Evictable() || HealthDegraded.Evictable() {
		t.Error("healthy/degraded must not be evictable")
	}
	if !HealthUnhealthy.Evictable() || !HealthCritical.Evictable() {
		t.Error("unhealthy/critical must be evictable")
	}
}

func TestQuotaMin(t *testing.T) {
	task := ResourceQuota{MaxCPUCores: 2.0, MaxMemoryMB: 1024, MaxExecutionTime: 10 * time.Second}
	agent := ResourceQuota{MaxCPUCores: 1.0, MaxMemoryMB: 2048, MaxExecutionTime: 30 * time.Second, MaxNetworkMbps: 10}

	eff := task.Min(agent)
	if eff.MaxCPUCores != 1.0 {
		t.Errorf("MaxCPUCores = %v, want 1.0", eff.MaxCPUCores)
	}
	if eff.MaxMemoryMB != 1024 {
		t.Errorf("MaxMemoryMB = %d, want 1024", eff.MaxMemoryMB)
	}
	if eff.MaxExecutionTime != 10*time.Second {
		t.Errorf("MaxExecutionTime = %v, want 10s", eff.MaxExecutionTime)
	}
	// Zero on the task side means unset; the agent's limit applies.
	if eff.MaxNetworkMbps != 10 {
		t.Errorf("MaxNetworkMbps = %d, want 10", eff.MaxNetworkMbps)
	}
}

func TestQuotaMinBothZero(t *testing.T) {
	eff := ResourceQuota{}.Min(ResourceQuota{})
	if !eff.IsZero() {
		t.Errorf("min of two zero quotas should be zero, got %+v", eff)
	}
}

func TestPriorityOrdering(t *testing.T) {
	if !(PriorityCritical > PriorityHigh && PriorityHigh > PriorityNormal &&
		PriorityNormal > PriorityLow && PriorityLow > PriorityBackground) {
		t.Error("priority constants must be strictly ordered")
	}
}
