// GPU detection and hardware acceleration arguments for the external
// transcoding tool.
package accel

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type Device struct {
	Index int
	Name string
	MemoryTotalMb int
	MemoryUsedMb int
}

// Runs the probing tool and returns its combined output. Swapped out in tests.
type CommandRunner func(name string, args ...string) ([]byte, error)

func defaultRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

type GpuAccelerator struct {
	Runner CommandRunner
}

func New() *GpuAccelerator {
	return &GpuAccelerator{Runner: defaultRunner}
}

// Detect probes the host for NVIDIA devices via nvidia-smi. Detection
// failures (tool not installed, parse errors) are non-fatal: the host is
// simply reported as having no accelerator and callers run unaccelerated.
func (g *GpuAccelerator) Detect() (bool, []Device) {
	out, err := g.Runner("nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used",
		"--format=csv,noheader,nounits")
	if err != nil {
		return false, nil
	}

	devices := ParseDeviceList(string(out))
	if len(devices) == 0 {
		return false, nil
	}

	return true, devices
}

// One device per line: "0, NVIDIA GeForce RTX 3080, 10240, 1021".
// Lines that do not parse are skipped.
func ParseDeviceList(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			continue
		}

		index, e1 := strconv.Atoi(strings.TrimSpace(fields[0]))
		total, e2 := strconv.Atoi(strings.TrimSpace(fields[2]))
		used, e3 := strconv.Atoi(strings.TrimSpace(fields[3]))
		if e1 != nil || e2 != nil || e3 != nil {
			continue
		}

		var d Device
		d.Index = index
		d.Name = strings.TrimSpace(fields[1])
		d.MemoryTotalMb = total
		d.MemoryUsedMb = used
		devices = append(devices, d)
	}

	return devices
}

// SelectDevice returns the device with the most available memory among
// those meeting the minimum, or nil if no device qualifies.
func SelectDevice(devices []Device, minMemoryMb int) *Device {
	var best *Device
	bestFree := -1
	for i := range devices {
		free := devices[i].MemoryTotalMb - devices[i].MemoryUsedMb
		if free < minMemoryMb {
			continue
		}

		if free > bestFree {
			best = &devices[i]
			bestFree = free
		}
	}

	return best
}

// AccelArgs builds the hwaccel flags passed to ffmpeg ahead of the input.
// A nil device yields a no-op slice.
func AccelArgs(d *Device) []string {
	var args []string
	if d == nil {
		return args
	}

	args = append(args, "-hwaccel")
	args = append(args, "cuda")

	args = append(args, "-hwaccel_device")
	args = append(args, fmt.Sprintf("%d", d.Index))

	return args
}
