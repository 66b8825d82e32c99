package capture

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"
)

// DeviceInfo describes one enumerated audio device.
type DeviceInfo struct {
	Index     int
	Name      string
	ID        string
	IsDefault bool
}

func backendForPlatform() (malgo.Backend, error) {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa, nil
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	default:
		return malgo.BackendNull, fmt.Errorf("capture: unsupported operating system %q", runtime.GOOS)
	}
}

func hexToASCII(hexStr string) string {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return hexStr
	}
	return string(b)
}

// EnumerateDevices lists devices of the given type (malgo.Capture for
// microphones, malgo.Loopback for system-audio sources), for a device
// picker presented by the caller's UI.
func EnumerateDevices(deviceType malgo.DeviceType) ([]DeviceInfo, error) {
	backend, err := backendForPlatform()
	if err != nil {
		return nil, err
	}

	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}
	defer func() { _ = ctx.Uninit() }()

	infos, err := ctx.Devices(deviceType)
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate devices: %w", err)
	}

	out := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		out = append(out, DeviceInfo{
			Index:     i,
			Name:      infos[i].Name(),
			ID:        hexToASCII(infos[i].ID.String()),
			IsDefault: infos[i].IsDefault == 1,
		})
	}
	return out, nil
}

// selectDevice picks a device by exact name, decoded ID, partial name
// match, or falls back to the platform default.
func selectDevice(infos []malgo.DeviceInfo, deviceID string) (*malgo.DeviceInfo, error) {
	if deviceID == "" || deviceID == "default" || deviceID == "sysdefault" {
		for i := range infos {
			if infos[i].IsDefault == 1 {
				return &infos[i], nil
			}
		}
		if len(infos) > 0 {
			return &infos[0], nil
		}
		return nil, fmt.Errorf("capture: no devices available")
	}

	for i := range infos {
		if infos[i].Name() == deviceID {
			return &infos[i], nil
		}
	}
	for i := range infos {
		if hexToASCII(infos[i].ID.String()) == deviceID {
			return &infos[i], nil
		}
	}
	for i := range infos {
		if strings.Contains(infos[i].Name(), deviceID) {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("capture: no device matching %q", deviceID)
}

// invalidatedMarker appears in miniaudio's error text when a device
// was enumerated but is not yet ready to open, the transient
// condition the session controller retries against.
const invalidatedMarker = "invalidated"

// IsTransient reports whether err represents the transient
// device-invalidated condition, worth retrying at open time, as
// opposed to a non-transient failure that should surface immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), invalidatedMarker)
}

// OpenedDevice bundles a live malgo context and device together with
// the format it actually negotiated, so the caller can tear both down
// as a unit.
type OpenedDevice struct {
	ctx    *malgo.AllocatedContext
	Device *malgo.Device
	Format Format
}

// Close tears down the device then its owning context, in that order.
func (o *OpenedDevice) Close() {
	if o.Device != nil {
		_ = o.Device.Stop()
		o.Device.Uninit()
	}
	if o.ctx != nil {
		_ = o.ctx.Uninit()
	}
}

// OpenCaptureDevice opens one malgo device of deviceType (malgo.Capture
// for the microphone, malgo.Loopback for system audio), requesting
// float32 samples at sampleRate/channels, and wires callbacks. On
// deviceType == malgo.Loopback with sampleRate == 0, the device's
// negotiated rate is accepted as canonical instead of requested,
// matching the session controller's "canonical format derived from
// the loopback device at open time" rule.
func OpenCaptureDevice(deviceType malgo.DeviceType, deviceID string, sampleRate, channels uint32, callbacks malgo.DeviceCallbacks) (*OpenedDevice, error) {
	backend, err := backendForPlatform()
	if err != nil {
		return nil, err
	}

	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}

	infos, err := ctx.Devices(deviceType)
	if err != nil {
		_ = ctx.Uninit()
		return nil, fmt.Errorf("capture: enumerate devices: %w", err)
	}

	info, err := selectDevice(infos, deviceID)
	if err != nil {
		_ = ctx.Uninit()
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(deviceType)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = channels
	cfg.Capture.DeviceID = info.ID.Pointer()
	if sampleRate > 0 {
		cfg.SampleRate = sampleRate
	}
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		return nil, fmt.Errorf("capture: init device %q: %w", info.Name(), err)
	}

	format := Format{SampleRate: int(device.SampleRate()), Channels: int(channels)}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		return nil, fmt.Errorf("capture: start device %q: %w", info.Name(), err)
	}

	return &OpenedDevice{ctx: ctx, Device: device, Format: format}, nil
}
