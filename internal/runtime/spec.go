package runtime

import (
	"github.com/docker/go-units"
)

// ContainerSpec describes the fixed, caller-uncontrollable profile every
// sandbox container is created with. Only the image and labels vary.
type ContainerSpec struct {
	Image       string
	MemoryLimit string // e.g. "256m"
	CPULimit    float64
	Labels      map[string]string
}

// memoryLimitBytes parses the configured MEMORY_LIMIT string ("256m",
// "1g", ...) into bytes using Docker's own size-suffix rules.
func memoryLimitBytes(limit string) (int64, error) {
	return units.RAMInBytes(limit)
}

// nanoCPUs converts a fractional-core CPU limit (e.g. 0.5) into the
// NanoCPUs value Docker's Resources struct expects.
func nanoCPUs(cpuLimit float64) int64 {
	return int64(cpuLimit * 1e9)
}
