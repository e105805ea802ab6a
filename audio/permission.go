package audio

import "convai/log"

// RequestPermission opens the microphone once and closes it again. On macOS
// this is what raises the system prompt. Any failure, including a panic from
// the native backend, reports false.
func RequestPermission(ctx Context, device *DeviceInfo) (granted bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("microphone permission check panicked: %v", r)
			granted = false
		}
	}()

	if ctx == nil {
		return false
	}
	capture, err := ctx.NewCapture(device, DefaultCaptureConfig())
	if err != nil {
		log.Warnf("microphone unavailable: %v", err)
		return false
	}
	defer capture.Close()

	if err := capture.Start(); err != nil {
		log.Warnf("microphone permission denied: %v", err)
		return false
	}
	capture.Stop()
	return true
}
