package log

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var stdout io.Writer = color.Output
var debug_output = false
var mtx_log *sync.Mutex = &sync.Mutex{}
var fileLog *zap.Logger

const (
	DEBUG = iota
	INFO
	IMPORTANT
	WARNING
	ERROR
	FATAL
	SUCCESS
)

var LogLabels = map[int]string{
	DEBUG:     "dbg",
	INFO:      "inf",
	IMPORTANT: "imp",
	WARNING:   "war",
	ERROR:     "err",
	FATAL:     "!!!",
	SUCCESS:   "+++",
}

type levelStyle struct {
	label *color.Color
	text  *color.Color
}

var levelStyles = map[int]levelStyle{
	DEBUG:     {color.New(color.FgHiBlack), color.New(color.FgHiBlack)},
	INFO:      {color.New(color.FgGreen), color.New(color.Reset)},
	IMPORTANT: {color.New(color.FgHiBlue), color.New(color.Reset)},
	WARNING:   {color.New(color.FgYellow), color.New(color.Reset)},
	ERROR:     {color.New(color.FgRed), color.New(color.FgRed)},
	FATAL:     {color.New(color.FgRed, color.Bold), color.New(color.FgRed, color.Bold)},
	SUCCESS:   {color.New(color.FgGreen), color.New(color.FgGreen)},
}

// RingSize bounds the in-memory tail of formatted log lines kept for the
// dashboard summary.
const RingSize = 500

var ring []string
var ringPos int

// StartServerLogging attaches a structured JSON file sink to the logger.
func StartServerLogging(path string) error {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	mtx_log.Lock()
	fileLog = l
	mtx_log.Unlock()
	return nil
}

func DebugEnable(enable bool) {
	debug_output = enable
}

func SetOutput(o io.Writer) {
	stdout = o
}

func GetOutput() io.Writer {
	return stdout
}

func NullLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// RecentLines returns the ring tail, oldest first.
func RecentLines() []string {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	out := make([]string, 0, len(ring))
	if len(ring) < RingSize {
		out = append(out, ring...)
		return out
	}
	out = append(out, ring[ringPos:]...)
	out = append(out, ring[:ringPos]...)
	return out
}

func ringAppend(line string) {
	if len(ring) < RingSize {
		ring = append(ring, line)
		return
	}
	ring[ringPos] = line
	ringPos = (ringPos + 1) % RingSize
}

func Debug(format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	if debug_output {
		fmt.Fprint(stdout, format_msg(DEBUG, format+"\n", args...))
		sink(DEBUG, format, args...)
	}
}

func Info(format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	fmt.Fprint(stdout, format_msg(INFO, format+"\n", args...))
	sink(INFO, format, args...)
}

func Important(format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	fmt.Fprint(stdout, format_msg(IMPORTANT, format+"\n", args...))
	sink(IMPORTANT, format, args...)
}

func Warning(format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	fmt.Fprint(stdout, format_msg(WARNING, format+"\n", args...))
	sink(WARNING, format, args...)
}

func Error(format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	fmt.Fprint(stdout, format_msg(ERROR, format+"\n", args...))
	sink(ERROR, format, args...)
}

func Fatal(format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	fmt.Fprint(stdout, format_msg(FATAL, format+"\n", args...))
	sink(FATAL, format, args...)
}

func Success(format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	fmt.Fprint(stdout, format_msg(SUCCESS, format+"\n", args...))
	sink(SUCCESS, format, args...)
}

func Printf(format string, args ...interface{}) {
	mtx_log.Lock()
	defer mtx_log.Unlock()

	fmt.Fprintf(stdout, format, args...)
}

// sink records the line in the ring and forwards it to the zap file logger.
// Callers hold mtx_log.
func sink(lvl int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	ringAppend(fmt.Sprintf("[%s] [%s] %s", time.Now().UTC().Format("15:04:05"), LogLabels[lvl], msg))

	if fileLog == nil {
		return
	}
	switch lvl {
	case DEBUG:
		fileLog.Debug(msg)
	case INFO, IMPORTANT, SUCCESS:
		fileLog.Info(msg, zap.String("label", LogLabels[lvl]))
	case WARNING:
		fileLog.Warn(msg)
	case ERROR, FATAL:
		fileLog.Error(msg, zap.String("label", LogLabels[lvl]))
	}
}

func format_msg(lvl int, format string, args ...interface{}) string {
	st := levelStyles[lvl]
	stamp := time.Now().Format("15:04:05")
	return "[" + stamp + "] [" + st.label.Sprint(LogLabels[lvl]) + "] " + st.text.Sprintf(format, args...)
}
