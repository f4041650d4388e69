package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

// Device stall limits. A callback device that stops delivering for this long
// is reported as a read or write failure.
const (
	captureStallTimeout  = 2 * time.Second
	playbackStallTimeout = 2 * time.Second
)

// DeviceSpec selects a device by name substring, falling back to an index.
// An empty name and a negative index select the system default.
type DeviceSpec struct {
	Name       string
	Index      int
	SampleRate int
	BufferMs   uint32 // Period size; 0 selects 20ms
}

// MalgoInput adapts a callback-driven malgo capture device to the blocking
// InputDevice interface. The callback only pushes into a lock-free ring.
type MalgoInput struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	ring       *sampleRing
	notify     chan struct{} // Signaled by the callback when data arrives
	overflowed atomic.Bool   // Set when the ring was full
	closed     atomic.Bool
	sampleRate int
}

// OpenMalgoInput opens and starts a mono PCM16 capture device.
func OpenMalgoInput(spec DeviceSpec, logger *slog.Logger) (*MalgoInput, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	in := &MalgoInput{
		ctx:        ctx,
		ring:       newSampleRing(spec.SampleRate), // One second of headroom
		notify:     make(chan struct{}, 1),
		sampleRate: spec.SampleRate,
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(spec.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = periodMs(spec.BufferMs)

	info, err := selectDevice(ctx, malgo.Capture, spec)
	if err != nil {
		in.freeContext()
		return nil, err
	}
	if info != nil {
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
		logger.Info("🎙️ using capture device", "name", info.Name())
	}

	// Reused across callbacks; the ring copies what it keeps.
	scratch := make([]int16, 0, 4096)

	// Audio callback - runs in audio thread, must be fast and non-blocking
	onRecvFrames := func(_, pInputSamples []byte, framecount uint32) {
		scratch = decodeInt16(scratch, pInputSamples, int(framecount))
		samples := scratch
		if in.ring.push(samples) < len(samples) {
			in.overflowed.Store(true)
		}
		select {
		case in.notify <- struct{}{}:
		default:
		}
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		in.freeContext()
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}
	in.device = device

	if err := device.Start(); err != nil {
		in.Close()
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}
	return in, nil
}

// Read blocks until len(buf) samples were captured. An overflow since the
// previous read is reported as ErrInputOverflow.
func (in *MalgoInput) Read(buf []int16) error {
	filled := 0
	for filled < len(buf) {
		if in.closed.Load() {
			return ErrDeviceClosed
		}
		if in.overflowed.Swap(false) {
			return ErrInputOverflow
		}
		filled += in.ring.pop(buf[filled:])
		if filled == len(buf) {
			break
		}
		select {
		case <-in.notify:
		case <-time.After(captureStallTimeout):
			return fmt.Errorf("capture device delivered no audio for %s", captureStallTimeout)
		}
	}
	return nil
}

// Close stops the device and releases the context.
func (in *MalgoInput) Close() error {
	if in.closed.Swap(true) {
		return nil
	}
	if in.device != nil {
		_ = in.device.Stop()
		in.device.Uninit()
		in.device = nil
	}
	in.freeContext()
	return nil
}

func (in *MalgoInput) freeContext() {
	if in.ctx != nil {
		_ = in.ctx.Uninit()
		in.ctx.Free()
		in.ctx = nil
	}
}

// MalgoOutput adapts a persistent malgo playback device to the blocking
// OutputDevice interface. Write returns once the samples are in the device
// ring, so a small ring paces writers at the device rate.
type MalgoOutput struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	ring       *sampleRing
	space      chan struct{} // Signaled by the callback after consuming
	flush      atomic.Bool   // Consumed by the callback
	closed     atomic.Bool
	sampleRate int
}

// OpenMalgoOutput opens and starts a mono PCM16 playback device.
func OpenMalgoOutput(spec DeviceSpec, logger *slog.Logger) (*MalgoOutput, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	period := periodMs(spec.BufferMs)
	out := &MalgoOutput{
		ctx:        ctx,
		ring:       newSampleRing(spec.SampleRate * int(period) * 4 / 1000),
		space:      make(chan struct{}, 1),
		sampleRate: spec.SampleRate,
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(spec.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = period

	info, err := selectDevice(ctx, malgo.Playback, spec)
	if err != nil {
		out.freeContext()
		return nil, err
	}
	if info != nil {
		deviceConfig.Playback.DeviceID = info.ID.Pointer()
		logger.Info("🔊 using playback device", "name", info.Name())
	}

	scratch := make([]int16, 0, 4096)

	// Lock-free audio callback
	onSendFrames := func(pOutputSample, _ []byte, framecount uint32) {
		if out.flush.Swap(false) {
			out.ring.discard()
		}
		if cap(scratch) < int(framecount) {
			scratch = make([]int16, framecount)
		}
		buf := scratch[:framecount]
		n := out.ring.pop(buf)
		clear(buf[n:])
		for i, s := range buf {
			binary.LittleEndian.PutUint16(pOutputSample[i*2:], uint16(s))
		}
		select {
		case out.space <- struct{}{}:
		default:
		}
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSendFrames})
	if err != nil {
		out.freeContext()
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	out.device = device

	// Start the device immediately (it will output silence until samples are queued)
	if err := device.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	logger.Info("🔊 persistent playback device started", "rate", spec.SampleRate, "buffer_ms", period)
	return out, nil
}

// Write blocks until every sample is queued in the device ring.
func (out *MalgoOutput) Write(samples []int16) error {
	for len(samples) > 0 {
		if out.closed.Load() {
			return ErrDeviceClosed
		}
		n := out.ring.push(samples)
		samples = samples[n:]
		if len(samples) == 0 {
			break
		}
		select {
		case <-out.space:
		case <-time.After(playbackStallTimeout):
			return fmt.Errorf("playback device consumed no audio for %s", playbackStallTimeout)
		}
	}
	return nil
}

// Flush discards audio not yet played.
func (out *MalgoOutput) Flush() {
	out.flush.Store(true)
}

// Close stops the device and releases the context.
func (out *MalgoOutput) Close() error {
	if out.closed.Swap(true) {
		return nil
	}
	if out.device != nil {
		_ = out.device.Stop()
		out.device.Uninit()
		out.device = nil
	}
	out.freeContext()
	return nil
}

func (out *MalgoOutput) freeContext() {
	if out.ctx != nil {
		_ = out.ctx.Uninit()
		out.ctx.Free()
		out.ctx = nil
	}
}

// DeviceInfo describes an available device.
type DeviceInfo struct {
	Index     int
	Name      string
	IsDefault bool
}

// ListMalgoDevices enumerates capture or playback devices.
func ListMalgoDevices(capture bool) ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	kind := malgo.Playback
	if capture {
		kind = malgo.Capture
	}
	infos, err := ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	out := make([]DeviceInfo, len(infos))
	for i, info := range infos {
		out[i] = DeviceInfo{Index: i, Name: info.Name(), IsDefault: info.IsDefault != 0}
	}
	return out, nil
}

// selectDevice resolves a DeviceSpec. A nil result means "system default".
func selectDevice(ctx *malgo.AllocatedContext, kind malgo.DeviceType, spec DeviceSpec) (*malgo.DeviceInfo, error) {
	if spec.Name == "" && spec.Index < 0 {
		return nil, nil
	}
	infos, err := ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	names := make([]string, len(infos))
	for i := range infos {
		names[i] = infos[i].Name()
	}
	idx := matchDevice(names, spec.Name, spec.Index)
	if idx < 0 {
		return nil, fmt.Errorf("%w: name %q, index %d", ErrNoDevice, spec.Name, spec.Index)
	}
	return &infos[idx], nil
}

// matchDevice returns the first device whose name contains name
// (case-insensitive), else index if it is in range, else -1.
func matchDevice(names []string, name string, index int) int {
	if name != "" {
		want := strings.ToLower(name)
		for i, n := range names {
			if strings.Contains(strings.ToLower(n), want) {
				return i
			}
		}
	}
	if index >= 0 && index < len(names) {
		return index
	}
	return -1
}

func periodMs(ms uint32) uint32 {
	if ms == 0 {
		return 20
	}
	return ms
}

// decodeInt16 decodes little-endian PCM16 from a device callback buffer into
// dst, growing it only when the callback delivers more frames than before.
func decodeInt16(dst []int16, data []byte, frames int) []int16 {
	n := min(frames, len(data)/2)
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	samples := dst[:n]
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
