//go:build linux

// Package sherpa re-exports the sherpa-onnx bindings for the current platform
// so callers build unchanged on Linux and macOS.
//
// Linux uses the pre-built CPU package by default. CUDA builds link a
// sherpa-onnx compiled from source with GPU support at the same version.
package sherpa

import (
	"os"
	"strings"

	impl "github.com/k2-fsa/sherpa-onnx-go-linux"
)

type (
	VoiceActivityDetector   = impl.VoiceActivityDetector
	VadModelConfig          = impl.VadModelConfig
	OfflineRecognizer       = impl.OfflineRecognizer
	OfflineRecognizerConfig = impl.OfflineRecognizerConfig
	OfflineTts              = impl.OfflineTts
	OfflineTtsConfig        = impl.OfflineTtsConfig
	KeywordSpotter          = impl.KeywordSpotter
	KeywordSpotterConfig    = impl.KeywordSpotterConfig
	OnlineStream            = impl.OnlineStream
)

var (
	NewVoiceActivityDetector    = impl.NewVoiceActivityDetector
	DeleteVoiceActivityDetector = impl.DeleteVoiceActivityDetector
	NewOfflineRecognizer        = impl.NewOfflineRecognizer
	DeleteOfflineRecognizer     = impl.DeleteOfflineRecognizer
	NewOfflineStream            = impl.NewOfflineStream
	DeleteOfflineStream         = impl.DeleteOfflineStream
	NewOfflineTts               = impl.NewOfflineTts
	DeleteOfflineTts            = impl.DeleteOfflineTts
	NewKeywordSpotter           = impl.NewKeywordSpotter
	DeleteKeywordSpotter        = impl.DeleteKeywordSpotter
	NewKeywordStream            = impl.NewKeywordStream
	DeleteOnlineStream          = impl.DeleteOnlineStream
)

// gpuIndicators are paths present on hosts with a discrete NVIDIA GPU or a
// Jetson SoC (Nano, Xavier, Orin).
var gpuIndicators = []string{
	"/usr/bin/nvidia-smi",
	"/usr/local/bin/nvidia-smi",
	"/opt/nvidia/bin/nvidia-smi",
	"/dev/nvidia0",
	"/dev/nvhost-gpu",
	"/dev/nvhost-ctrl-gpu",
	"/dev/nvmap",
	"/etc/nv_tegra_release",
	"/sys/devices/gpu.0",
	"/sys/devices/17000000.ga10b",
	"/sys/devices/17000000.gv11b",
}

// HasNvidiaGPU reports whether CUDA acceleration is likely available.
func HasNvidiaGPU() bool {
	for _, path := range gpuIndicators {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	data, err := os.ReadFile("/proc/device-tree/compatible")
	if err != nil {
		return false
	}
	compatible := string(data)
	return strings.Contains(compatible, "nvidia,tegra") || strings.Contains(compatible, "nvidia,jetson")
}

// DefaultProvider returns "cuda" when a GPU is detected, otherwise "cpu".
func DefaultProvider() string {
	if HasNvidiaGPU() {
		return "cuda"
	}
	return "cpu"
}
