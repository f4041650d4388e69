//go:build darwin

// Package sherpa re-exports the sherpa-onnx bindings for the current platform
// so callers build unchanged on Linux and macOS.
package sherpa

import impl "github.com/k2-fsa/sherpa-onnx-go-macos"

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

// HasNvidiaGPU is always false on macOS.
func HasNvidiaGPU() bool { return false }

// DefaultProvider returns "coreml", which runs on the Apple Neural Engine.
func DefaultProvider() string { return "coreml" }
