package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const systemAudioSuffix = " (System Audio)"

// Device describes a capture endpoint. Selection uses only Name.
type Device struct {
	Name        string `json:"name"`
	IsDefault   bool   `json:"is_default"`
	SystemAudio bool   `json:"system_audio"`
}

// DisplayName tags loopback devices so users can tell them from microphones.
func (d Device) DisplayName() string {
	if d.SystemAudio {
		return d.Name + systemAudioSuffix
	}
	return d.Name
}

// IsSystemAudioName reports whether a device name looks like a loopback or
// aggregate device that carries system output.
func IsSystemAudioName(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "blackhole") ||
		strings.Contains(lower, "aggregate") ||
		strings.Contains(lower, "multi") ||
		strings.Contains(lower, "system audio")
}

// Devices lists capture devices with system audio endpoints tagged.
func Devices(ctx context.Context, d Driver) ([]Device, error) {
	devices, err := d.Devices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		devices[i].SystemAudio = IsSystemAudioName(devices[i].Name)
	}
	return devices, nil
}

// DeviceNames returns display names in driver order.
func DeviceNames(ctx context.Context, d Driver) ([]string, error) {
	devices, err := Devices(ctx, d)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(devices))
	for _, dev := range devices {
		names = append(names, dev.DisplayName())
	}
	return names, nil
}

// FindSystemAudioDevice picks the best loopback device, preferring BlackHole,
// then aggregate devices, then multi-output devices. It returns "" when none
// is present.
func FindSystemAudioDevice(ctx context.Context, d Driver) (string, error) {
	devices, err := d.Devices(ctx)
	if err != nil {
		return "", err
	}
	var aggregate, multi string
	for _, dev := range devices {
		lower := strings.ToLower(dev.Name)
		switch {
		case strings.Contains(lower, "blackhole"):
			return dev.Name, nil
		case strings.Contains(lower, "aggregate"):
			if aggregate == "" {
				aggregate = dev.Name
			}
		case strings.Contains(lower, "multi"):
			if multi == "" {
				multi = dev.Name
			}
		}
	}
	if aggregate != "" {
		return aggregate, nil
	}
	return multi, nil
}

// MatchDevice resolves a requested name against the available devices. An
// empty request selects the default device. Names match exactly; requests
// mentioning BlackHole or System Audio also match any BlackHole device.
func MatchDevice(devices []Device, requested string) (Device, error) {
	requested = strings.TrimSpace(strings.TrimSuffix(requested, systemAudioSuffix))
	if requested == "" {
		for _, dev := range devices {
			if dev.IsDefault {
				return dev, nil
			}
		}
		if len(devices) > 0 {
			return devices[0], nil
		}
		return Device{}, fmt.Errorf("no capture devices: %w", ErrDeviceUnavailable)
	}
	for _, dev := range devices {
		if dev.Name == requested {
			return dev, nil
		}
	}
	if strings.Contains(requested, "BlackHole") || strings.Contains(requested, "System Audio") {
		for _, dev := range devices {
			if strings.Contains(dev.Name, "BlackHole") {
				return dev, nil
			}
		}
	}
	return Device{}, fmt.Errorf("device %q not found: %w", requested, ErrDeviceUnavailable)
}

// CheckPermissions reports whether capture is currently allowed. Errors other
// than a denial are returned as is.
func CheckPermissions(ctx context.Context, d Driver) (bool, error) {
	err := d.CheckAccess(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceUnavailable):
		return false, nil
	default:
		return false, err
	}
}

// RequestPermissions probes the default device. Touching the device is what
// triggers the platform consent prompt; the prompt itself is out of our hands.
func RequestPermissions(ctx context.Context, d Driver) (bool, error) {
	return CheckPermissions(ctx, d)
}
