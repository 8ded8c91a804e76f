package dcm

import "time"

// ModeFlag is a minimum log severity.
type ModeFlag uint

const (
	DebugMode ModeFlag = iota
	InfoMode
	WarningMode
	ErrorMode
	CriticalMode
	SilentMode
)

// mode is the minimum severity that will be logged.
var mode = InfoMode

// Logger provides a way for the application to log messages at different severities.
// Implementations format their arguments analogous to fmt.Printf.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Criticalf(format string, args ...interface{})

	// Shutdown makes sure logs are closed.
	Shutdown()
}

// SetLogMode sets the severity required for a log message to be printed.
// For example, SetLogMode(dcm.WarningMode) will log any calls using
// Warningf, Errorf, or Criticalf.  To turn off all logging, use SilentMode.
func SetLogMode(newMode ModeFlag) {
	mode = newMode
}

// logf sends a message to the logger method for its severity if that severity is logged.
func logf(l Logger, severity ModeFlag, format string, args ...interface{}) {
	if severity < mode {
		return
	}
	switch severity {
	case DebugMode:
		l.Debugf(format, args...)
	case InfoMode:
		l.Infof(format, args...)
	case WarningMode:
		l.Warningf(format, args...)
	case ErrorMode:
		l.Errorf(format, args...)
	default:
		l.Criticalf(format, args...)
	}
}

func Debugf(format string, args ...interface{})    { logf(logger, DebugMode, format, args...) }
func Infof(format string, args ...interface{})     { logf(logger, InfoMode, format, args...) }
func Warningf(format string, args ...interface{})  { logf(logger, WarningMode, format, args...) }
func Errorf(format string, args ...interface{})    { logf(logger, ErrorMode, format, args...) }
func Criticalf(format string, args ...interface{}) { logf(logger, CriticalMode, format, args...) }

// Shutdown closes any log file opened through LogConfig.SetLogger.
func Shutdown() {
	logger.Shutdown()
}

// TimeLog appends the time elapsed since its creation to each message, which should
// not end in a newline.
//
//	tlog := NewTimeLog()
//	...
//	tlog.Infof("Delivered %d frames", n)  // "Delivered 12 frames: 1.2s"
type TimeLog struct {
	logger Logger
	start  time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{logger, time.Now()}
}

// Elapsed returns the time since the TimeLog was created.
func (t TimeLog) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t TimeLog) logf(severity ModeFlag, format string, args ...interface{}) {
	logf(t.logger, severity, format+": %s\n", append(args, time.Since(t.start))...)
}

func (t TimeLog) Debugf(format string, args ...interface{})   { t.logf(DebugMode, format, args...) }
func (t TimeLog) Infof(format string, args ...interface{})    { t.logf(InfoMode, format, args...) }
func (t TimeLog) Warningf(format string, args ...interface{}) { t.logf(WarningMode, format, args...) }
func (t TimeLog) Errorf(format string, args ...interface{})   { t.logf(ErrorMode, format, args...) }
