package domain

import "time"

// ResourceQuota declares per-execution resource ceilings. Zero values mean
// "unlimited" for that dimension, except MaxExecutionTime which always has
// a configured default applied before dispatch.
type ResourceQuota struct {
	MaxCPUCores      float64       `json:"max_cpu_cores"      yaml:"max_cpu_cores"`
	MaxMemoryMB      int           `json:"max_memory_mb"      yaml:"max_memory_mb"`
	MaxExecutionTime time.Duration `json:"max_execution_time" yaml:"max_execution_time"`
	MaxNetworkMbps   int           `json:"max_network_mbps"   yaml:"max_network_mbps"`
}

// Min returns the element-wise minimum of q and other. A zero value on
// either side is treated as unset and loses to any set value.
func (q ResourceQuota) Min(other ResourceQuota) ResourceQuota {
	return ResourceQuota{
		MaxCPUCores:      minFloat(q.MaxCPUCores, other.MaxCPUCores),
		MaxMemoryMB:      minInt(q.MaxMemoryMB, other.MaxMemoryMB),
		MaxExecutionTime: minDuration(q.MaxExecutionTime, other.MaxExecutionTime),
		MaxNetworkMbps:   minInt(q.MaxNetworkMbps, other.MaxNetworkMbps),
	}
}

// IsZero reports whether no dimension is set.
func (q ResourceQuota) IsZero() bool {
	return q.MaxCPUCores == 0 && q.MaxMemoryMB == 0 && q.MaxExecutionTime == 0 && q.MaxNetworkMbps == 0
}

func minFloat(a, b float64) float64 {
	if a == 0 {
		return b
	}
	if b == 0 || a < b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a == 0 {
		return b
	}
	if b == 0 || a < b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a == 0 {
		return b
	}
	if b == 0 || a < b {
		return a
	}
	return b
}

// ResourceUsage is the measured consumption of one execution attempt.
type ResourceUsage struct {
	CPUSeconds     float64 `json:"cpu_seconds"`
	MemoryPeakMB   int     `json:"memory_peak_mb"`
	NetworkTxBytes int64   `json:"network_tx_bytes"`
	NetworkRxBytes int64   `json:"network_rx_bytes"`
	DiskOps        int64   `json:"disk_ops"`
}

// ResourceUtilization is an aggregate, fleet-wide view used in health snapshots.
type ResourceUtilization struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	BusyAgents    int     `json:"busy_agents"`
	IdleAgents    int     `json:"idle_agents"`
}
