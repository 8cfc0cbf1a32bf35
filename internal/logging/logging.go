package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FieldTenant  = "tenant"
	FieldStation = "station"
	FieldAction  = "action"
)

var (
	// Logger is usable before LoggingSetup, writing to stderr at info level.
	Logger           *log.Logger        = newLogger(os.Stderr, log.InfoLevel)
	lumberjackLogger *lumberjack.Logger = nil
)

type myFormatter struct {
	log.TextFormatter
}

func ToJson(obj any) string {
	ret, _ := json.MarshalIndent(obj, " ", " ")
	return string(ret)
}

func newLogger(out io.Writer, level log.Level) *log.Logger {
	return &log.Logger{
		Out:   out,
		Level: level,
		Hooks: make(log.LevelHooks),
		Formatter: &myFormatter{log.TextFormatter{
			FullTimestamp:          true,
			TimestampFormat:        "2006-01-02 15:04:05.000",
			DisableLevelTruncation: true,
		}},
	}
}

// LoggingSetup replaces Logger with one writing to stderr and ./logs/<fileName>.log.
func LoggingSetup(isDebug bool, fileName string) *log.Logger {
	if lumberjackLogger != nil {
		lumberjackLogger.Close()
	}

	logLevel := log.InfoLevel
	if isDebug {
		logLevel = log.DebugLevel
	}

	lumberjackLogger = &lumberjack.Logger{
		Filename:   filepath.ToSlash("./logs/" + fileName + ".log"),
		MaxSize:    10, // MB
		MaxBackups: 10,
		Compress:   false,
	}

	Logger = newLogger(io.MultiWriter(os.Stderr, lumberjackLogger), logLevel)
	return Logger
}

// ForStation returns an entry carrying the tenant/station/action context of a session.
func ForStation(tenant string, station string, action string) *log.Entry {
	fields := log.Fields{FieldTenant: tenant, FieldStation: station}
	if action != "" {
		fields[FieldAction] = action
	}
	return Logger.WithFields(fields)
}

func (f *myFormatter) Format(entry *log.Entry) ([]byte, error) {
	var logLevelStr string

	switch entry.Level {
	case log.InfoLevel:
		logLevelStr = "INFO "
	case log.WarnLevel:
		logLevelStr = "WARN "
	case log.DebugLevel:
		logLevelStr = "DEBUG"
	case log.TraceLevel:
		logLevelStr = "TRACE"
	case log.FatalLevel:
		logLevelStr = "FATAL"
	case log.PanicLevel:
		logLevelStr = "PANIC"
	default:
		logLevelStr = strings.ToUpper(entry.Level.String())
	}

	line := fmt.Sprintf("%s : %s : %s", entry.Time.Format(f.TimestampFormat), logLevelStr, entry.Message)
	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, entry.Data[k]))
		}
		line += " [" + strings.Join(parts, " ") + "]"
	}
	return []byte(line + "\n"), nil
}
