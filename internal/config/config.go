// Package config loads the service's runtime configuration from
// environment variables. There is no config file: every key is read
// once at startup and the resulting Config is treated as immutable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CustomPool is one entry of CUSTOM_POOLS: an image and its target pool size.
type CustomPool struct {
	Image string
	Size  int
}

type Config struct {
	PoolSize               int
	BaseImage              string
	MemoryLimit            string
	CPULimit               float64
	Timeout                int
	CustomImageRegistry    string
	CustomImagePullTimeout int
	CustomImagePullRetries int
	CustomPools            []CustomPool
	HostPort               int
	LogLevel               string
}

// Load reads and validates every key in the configuration table, applying
// the documented defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		PoolSize:               5,
		BaseImage:              "alpine:latest",
		MemoryLimit:            "256m",
		CPULimit:               0.5,
		Timeout:                30,
		CustomImageRegistry:    "",
		CustomImagePullTimeout: 300,
		CustomImagePullRetries: 3,
		HostPort:               8080,
		LogLevel:               "INFO",
	}

	if v := os.Getenv("POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("POOL_SIZE must be a positive integer: %q", v)
		}
		cfg.PoolSize = n
	}
	if v := os.Getenv("BASE_IMAGE"); v != "" {
		cfg.BaseImage = v
	}
	if v := os.Getenv("MEMORY_LIMIT"); v != "" {
		cfg.MemoryLimit = v
	}
	if v := os.Getenv("CPU_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("CPU_LIMIT must be a positive number: %q", v)
		}
		cfg.CPULimit = f
	}
	if v := os.Getenv("TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("TIMEOUT must be a positive integer: %q", v)
		}
		cfg.Timeout = n
	}
	if v := os.Getenv("CUSTOM_IMAGE_REGISTRY"); v != "" {
		cfg.CustomImageRegistry = v
	}
	if v := os.Getenv("CUSTOM_IMAGE_PULL_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("CUSTOM_IMAGE_PULL_TIMEOUT must be a positive integer: %q", v)
		}
		cfg.CustomImagePullTimeout = n
	}
	if v := os.Getenv("CUSTOM_IMAGE_PULL_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("CUSTOM_IMAGE_PULL_RETRIES must be a positive integer: %q", v)
		}
		cfg.CustomImagePullRetries = n
	}
	if v := os.Getenv("HOST_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("HOST_PORT must be a valid port number: %q", v)
		}
		cfg.HostPort = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}

	pools, err := parseCustomPools(os.Getenv("CUSTOM_POOLS"))
	if err != nil {
		return nil, err
	}
	cfg.CustomPools = pools

	for _, p := range cfg.CustomPools {
		if p.Image == cfg.BaseImage {
			return nil, fmt.Errorf("CUSTOM_POOLS entry %q duplicates BASE_IMAGE: each pool key must be unique", p.Image)
		}
	}

	return cfg, nil
}

// parseCustomPools parses "img1:n1,img2:n2,..." entries. Each entry splits
// on its FINAL colon so image tags containing colons (e.g.
// "host:5000/img:tag:2") parse correctly.
func parseCustomPools(raw string) ([]CustomPool, error) {
	if raw == "" {
		return nil, nil
	}

	seen := make(map[string]bool)
	var pools []CustomPool
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		idx := strings.LastIndex(entry, ":")
		if idx < 0 || idx == len(entry)-1 {
			return nil, fmt.Errorf("CUSTOM_POOLS entry %q: expected \"image:size\"", entry)
		}

		image := entry[:idx]
		sizeStr := entry[idx+1:]
		if image == "" {
			return nil, fmt.Errorf("CUSTOM_POOLS entry %q: empty image name", entry)
		}

		size, err := strconv.Atoi(sizeStr)
		if err != nil || size < 1 {
			return nil, fmt.Errorf("CUSTOM_POOLS entry %q: size must be a positive integer", entry)
		}

		if seen[image] {
			return nil, fmt.Errorf("CUSTOM_POOLS duplicate pool key: %q", image)
		}
		seen[image] = true

		pools = append(pools, CustomPool{Image: image, Size: size})
	}

	return pools, nil
}
