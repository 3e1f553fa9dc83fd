package main

import "log"

// ExitReport is the final delivery for an agent: exit status plus the
// trailing lines of output kept for diagnostics.
type ExitReport struct {
	ExitCode   *int     `json:"exit_code"`
	Signal     *string  `json:"signal"`
	LastOutput []string `json:"last_output"`
}

// DesktopSink is the always-present local consumer of session output —
// in the desktop app this is the IPC channel back to the owning window.
// Implementations must be fast and non-blocking; failures never stall a
// flush.
type DesktopSink interface {
	Output(channel string, data string) // data is base64-encoded
	Exit(channel string, report ExitReport)
}

// logSink is the standalone default: deliveries are logged and dropped.
type logSink struct{}

func (logSink) Output(channel string, data string) {
	log.Printf("[SINK] %s: %d bytes (base64)", channel, len(data))
}

func (logSink) Exit(channel string, report ExitReport) {
	code := -1
	if report.ExitCode != nil {
		code = *report.ExitCode
	}
	log.Printf("[SINK] %s: exited (code=%d, %d tail lines)", channel, code, len(report.LastOutput))
}
