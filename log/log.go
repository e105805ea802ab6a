package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog          zerolog.Logger
	diagFile         *os.File
	conversationFile *os.File
	logMu            sync.Mutex
	logReady         bool
	pid              int
	dir              string
)

// HTTPMetrics mirrors nettrace.Metrics in milliseconds so this package stays a leaf.
type HTTPMetrics struct {
	DNSMs      float64
	TLSMs      float64
	TTFBMs     float64
	TotalMs    float64
	ConnReused bool
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}

	// Priority 2: CONVAI_LOG_PATH environment variable
	if envPath := os.Getenv("CONVAI_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	convPath := filepath.Join(dir, "conversation_log.txt")
	conversationFile, err = os.OpenFile(convPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05.000",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if conversationFile != nil {
		conversationFile.Close()
		conversationFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(conversationID string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("conversation_id", conversationID).
		Msg("session_start")
}

func SessionEnd(conversationID string, dur time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("conversation_id", conversationID).
		Float64("duration_s", dur.Seconds()).
		Msg("session_end")
}

func Capture(srcW, srcH, w, h, sizeBytes int, took time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("original", fmt.Sprintf("%dx%d", srcW, srcH)).
		Str("resized", fmt.Sprintf("%dx%d", w, h)).
		Float64("kb", float64(sizeBytes)/1024).
		Float64("took_ms", float64(took.Milliseconds())).
		Msg("screen_capture")
}

func ToolCall(name, callID string, isError bool, took time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("tool", name).
		Str("call_id", callID).
		Bool("is_error", isError).
		Float64("took_ms", float64(took.Milliseconds())).
		Msg("tool_call")
}

func VisionCall(model, prompt string, imageKB float64, answerLen int, m HTTPMetrics) {
	if !logReady {
		return
	}
	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}
	diagLog.Info().
		Str("model", model).
		Str("prompt", prompt).
		Str("conn", connStatus).
		Float64("image_kb", imageKB).
		Int("answer_len", answerLen).
		Float64("dns_ms", m.DNSMs).
		Float64("tls_ms", m.TLSMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalMs).
		Msg("vision_call")
}

func Request(name string, status int, m HTTPMetrics) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("request", name).
		Int("status", status).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalMs).
		Msg("http_request")
}

// ConversationLine appends one transcript line ("user" or "agent") to conversation_log.txt.
func ConversationLine(source, text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if conversationFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, source, text)
	conversationFile.WriteString(line)
}
