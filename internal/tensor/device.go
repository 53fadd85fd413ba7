package tensor

// Device identifies where a kernel executes.
type Device int

// Supported compute devices.
const (
	CPU Device = iota
	WebGPU
	Emulator
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case WebGPU:
		return "WebGPU"
	case Emulator:
		return "Emulator"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a configuration name (cpu, webgpu, emulator) to a Device.
func ParseDevice(name string) (Device, bool) {
	switch name {
	case "cpu", "CPU":
		return CPU, true
	case "webgpu", "WebGPU", "gpu":
		return WebGPU, true
	case "emulator", "Emulator", "emu":
		return Emulator, true
	default:
		return CPU, false
	}
}
