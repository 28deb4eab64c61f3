package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for the Agent Channel Manager's structured logging,
// following the teacher's logger.go shape: one base logger carrying
// service/version/host fields, With* child-logger constructors per context,
// and typed event methods in place of ad hoc Printf calls.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger builds the base logger. output defaults to os.Stdout.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// Base returns the underlying zerolog.Logger, for components that construct
// their own child loggers via .With().
func (l *Logger) Base() zerolog.Logger { return l.logger }

// WithChannel adds channel_id context (the AgentSession's session id).
func (l *Logger) WithChannel(channelID uint64) *Logger {
	return &Logger{
		logger: l.logger.With().Uint64("channel_id", channelID).Logger(),
	}
}

// WithTask adds task_id context for Transfer Engine logging.
func (l *Logger) WithTask(taskID uint32) *Logger {
	return &Logger{
		logger: l.logger.With().Uint32("task_id", taskID).Logger(),
	}
}

// WithConnection adds conn_id context for Port Forwarder logging.
func (l *Logger) WithConnection(connID uint32) *Logger {
	return &Logger{
		logger: l.logger.With().Uint32("conn_id", connID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// TransferStarted logs a FILE_XFER_START.
func (l *Logger) TransferStarted(taskID uint32, name string, size uint64) {
	l.logger.Info().
		Uint32("task_id", taskID).
		Str("file", name).
		Uint64("size", size).
		Msg("file transfer started")
}

// TransferProgress logs a progress update. Callers gate the call frequency
// themselves via internal/ratelimit, not this method.
func (l *Logger) TransferProgress(taskID uint32, bytesRead, size uint64, elapsed time.Duration) {
	var pct float64
	if size > 0 {
		pct = float64(bytesRead) / float64(size) * 100.0
	}
	l.logger.Debug().
		Uint32("task_id", taskID).
		Uint64("bytes_read", bytesRead).
		Uint64("size", size).
		Float64("progress_percent", pct).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("file transfer progress")
}

// TransferCompleted logs a task reaching a terminal state.
func (l *Logger) TransferCompleted(taskID uint32, bytesRead uint64, duration time.Duration, err error) {
	ev := l.logger.Info()
	if err != nil {
		ev = l.logger.Warn().Err(err)
	}
	ev.Uint32("task_id", taskID).
		Uint64("bytes_read", bytesRead).
		Float64("duration_seconds", duration.Seconds()).
		Msg("file transfer finished")
}

// CapabilityNegotiated logs a received ANNOUNCE_CAPABILITIES.
func (l *Logger) CapabilityNegotiated(request bool, wordCount int) {
	l.logger.Debug().
		Bool("request", request).
		Int("words", wordCount).
		Msg("capability announcement processed")
}

// ForwardConnectionOpened logs a new forwarded TCP tunnel.
func (l *Logger) ForwardConnectionOpened(connID uint32, direction string) {
	l.logger.Info().
		Uint32("conn_id", connID).
		Str("direction", direction).
		Msg("port-forward connection opened")
}

// ForwardConnectionClosed logs a tunnel's teardown.
func (l *Logger) ForwardConnectionClosed(connID uint32, dataSent, dataReceived uint64) {
	l.logger.Info().
		Uint32("conn_id", connID).
		Uint64("data_sent", dataSent).
		Uint64("data_received", dataReceived).
		Msg("port-forward connection closed")
}

// ChannelConnected logs the agent channel reaching the connected state.
func (l *Logger) ChannelConnected(channelID uint64, agentTokens int) {
	l.logger.Info().
		Uint64("channel_id", channelID).
		Int("agent_tokens", agentTokens).
		Msg("agent channel connected")
}

// ChannelReset logs a disconnect-triggered reset.
func (l *Logger) ChannelReset(channelID uint64, reason error) {
	ev := l.logger.Warn()
	if reason != nil {
		ev = ev.Err(reason)
	}
	ev.Uint64("channel_id", channelID).Msg("agent channel reset")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
