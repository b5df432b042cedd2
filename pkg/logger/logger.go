// Package logger wraps a logrus logger with printf-style level helpers and a
// WithFields helper for structured fields, and keeps the teacher's ASCII
// banner/section presentation for process startup.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ANSI color codes, used only by the banner/section presentation below —
// logrus owns coloring for regular log lines via its TextFormatter.
const (
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorCyan   = "\033[36m"
)

var std = logrus.New()

func init() {
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	std.SetOutput(os.Stdout)
}

// SetLevel sets the minimum logrus level by name ("debug", "info", "warn",
// "error").
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		std.Warnf("logger: unknown level %q, keeping %s", level, std.GetLevel())
		return
	}
	std.SetLevel(parsed)
}

// Fields is a shorthand for logrus.Fields, the structured context attached
// to a log line through WithFields.
type Fields = logrus.Fields

// WithFields returns an entry carrying the given structured fields.
func WithFields(fields Fields) *logrus.Entry {
	return std.WithFields(fields)
}

func Debug(format string, args ...interface{}) { std.Debugf(format, args...) }
func Info(format string, args ...interface{})  { std.Infof(format, args...) }
func Warn(format string, args ...interface{})  { std.Warnf(format, args...) }
func Error(format string, args ...interface{}) { std.Errorf(format, args...) }

// Success logs at info level with a dedicated field so it can be filtered
// or colorized downstream without a bespoke level.
func Success(format string, args ...interface{}) {
	std.WithField("outcome", "success").Infof(format, args...)
}

// Fatal logs and exits, matching the teacher's Fatal behavior.
func Fatal(format string, args ...interface{}) {
	std.Fatalf(format, args...)
}

// Section prints a section header to stdout directly — presentation, not
// a structured log line.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n%s╔%s╗%s\n", ColorCyan, border, ColorReset)
	fmt.Printf("%s║%s %-57s %s║%s\n", ColorCyan, ColorReset, title, ColorCyan, ColorReset)
	fmt.Printf("%s╚%s╝%s\n\n", ColorCyan, border, ColorReset)
}

// Banner prints the application banner.
func Banner(title, version string) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                                                           ║
║   ███╗   ██╗███████╗████████╗████████╗ █████╗ ███████╗██╗  ██╗
║   ████╗  ██║██╔════╝╚══██╔══╝╚══██╔══╝██╔══██╗██╔════╝██║ ██╔╝
║   ██╔██╗ ██║█████╗     ██║      ██║   ███████║███████╗█████╔╝
║   ██║╚██╗██║██╔══╝     ██║      ██║   ██╔══██║╚════██║██╔═██╗
║   ██║ ╚████║███████╗   ██║      ██║   ██║  ██║███████║██║  ██╗
║   ╚═╝  ╚═══╝╚══════╝   ╚═╝      ╚═╝   ╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝
║                                                           ║
║              %s%-37s%s║
║                    %sVersion %-7s%s                      ║
║                                                           ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, ColorCyan, title, ColorReset, ColorGreen, version, ColorReset)
}
