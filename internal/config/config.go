// Package config reads the engine configuration from OPKERNEL_* environment
// variables. Command-line flags override what is read here.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/born-ml/opkernel/internal/parallel"
)

// Device names accepted by OPKERNEL_DEVICE.
const (
	DeviceCPU      = "cpu"
	DeviceEmulator = "emulator"
	DeviceWebGPU   = "webgpu"
)

// Var returns an environment variable stripped of leading and trailing
// quotes or spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// BoolWithDefault reads a boolean. Unparseable values count as true.
func BoolWithDefault(key string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(key); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Uint reads an unsigned integer, warning and falling back to defaultValue
// when the value does not parse.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				log.Warn().Str("key", key).Str("value", s).Uint("default", defaultValue).
					Msg("invalid environment variable, using default")
				return defaultValue
			}
			return uint(n)
		}
		return defaultValue
	}
}

var (
	// Parallel enables the CPU parallel-for. OPKERNEL_PARALLEL, default true
	// on multi-core hosts.
	Parallel = BoolWithDefault("OPKERNEL_PARALLEL")
	// Workers bounds concurrently running goroutines. OPKERNEL_WORKERS,
	// default the CPU count.
	Workers = Uint("OPKERNEL_WORKERS", uint(runtime.NumCPU()))
	// MinChunk is the smallest number of items handed to one goroutine.
	MinChunk = Uint("OPKERNEL_MIN_CHUNK", 1)
	// MaxWorkGroup overrides the device work-group limit; 0 keeps the
	// device's own.
	MaxWorkGroup = Uint("OPKERNEL_MAX_WORKGROUP", 0)
)

// Device returns the backend device name. OPKERNEL_DEVICE, default cpu.
func Device() string {
	if s := strings.ToLower(Var("OPKERNEL_DEVICE")); s != "" {
		return s
	}
	return DeviceCPU
}

// LogLevel returns the log level. OPKERNEL_DEBUG: 0/false is info, 1/true
// is debug, 2 and above is trace.
func LogLevel() zerolog.Level {
	level := zerolog.InfoLevel
	if s := Var("OPKERNEL_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = zerolog.DebugLevel
		} else if i, _ := strconv.ParseInt(s, 10, 64); i >= 2 {
			level = zerolog.TraceLevel
		}
	}
	return level
}

// Config is a snapshot of the engine settings.
type Config struct {
	Device       string
	Parallel     bool
	Workers      int
	MinChunk     int
	MaxWorkGroup int
	LogLevel     zerolog.Level
}

// Load snapshots the environment.
func Load() Config {
	return Config{
		Device:       Device(),
		Parallel:     Parallel(runtime.NumCPU() > 1),
		Workers:      int(Workers()),
		MinChunk:     int(MinChunk()),
		MaxWorkGroup: int(MaxWorkGroup()),
		LogLevel:     LogLevel(),
	}
}

// Validate rejects an unknown device name.
func (c Config) Validate() error {
	switch c.Device {
	case DeviceCPU, DeviceEmulator, DeviceWebGPU:
		return nil
	default:
		return fmt.Errorf("config: unknown device %q (want %s, %s or %s)", c.Device, DeviceCPU, DeviceEmulator, DeviceWebGPU)
	}
}

// ParallelConfig returns the parallel-for settings.
func (c Config) ParallelConfig() parallel.Config {
	cfg := parallel.Config{
		Enabled:      c.Parallel,
		NumWorkers:   c.Workers,
		MinChunkSize: max(c.MinChunk, 1),
	}
	if cfg.NumWorkers <= 1 {
		cfg.Enabled = false
	}
	return cfg
}

// EnvVar describes one setting.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every setting keyed by its environment variable.
func AsMap() map[string]EnvVar {
	c := Load()
	return map[string]EnvVar{
		"OPKERNEL_DEVICE":        {"OPKERNEL_DEVICE", c.Device, "Backend device: cpu, emulator or webgpu (default cpu)"},
		"OPKERNEL_PARALLEL":      {"OPKERNEL_PARALLEL", c.Parallel, "Run CPU kernels with the parallel-for"},
		"OPKERNEL_WORKERS":       {"OPKERNEL_WORKERS", c.Workers, "Maximum concurrently running goroutines"},
		"OPKERNEL_MIN_CHUNK":     {"OPKERNEL_MIN_CHUNK", c.MinChunk, "Minimum items per goroutine"},
		"OPKERNEL_MAX_WORKGROUP": {"OPKERNEL_MAX_WORKGROUP", c.MaxWorkGroup, "Override the device work-group limit"},
		"OPKERNEL_DEBUG":         {"OPKERNEL_DEBUG", c.LogLevel, "Show additional debug information (e.g. OPKERNEL_DEBUG=1)"},
	}
}

// Values returns every setting formatted as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
