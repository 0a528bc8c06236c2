// Package logging centralizes logrus construction: a package-level
// Entry-per-component helper and an echo.Logger adapter, adapted from the
// teacher's master/pkg/logger, which wraps logrus.StandardLogger() so
// echo's own logging calls flow through the same structured logger as the
// rest of the service.
package logging

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/labstack/echo/v4"
	gommonlog "github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"
)

// New returns a logrus.Entry tagged with the given component name,
// mirroring the teacher's logrus.WithFields(logrus.Fields{"component": ...})
// idiom used throughout agent and master.
func New(component string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"component": component})
}

// Configure sets the process-wide logrus level and formatter.
func Configure(level string, color bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{ForceColors: color, FullTimestamp: true})
	return nil
}

// echoLogger adapts logrus.Logger to echo.Logger.
type echoLogger struct {
	log *logrus.Logger
}

// NewEchoLogger returns an echo.Logger backed by logrus.StandardLogger().
func NewEchoLogger() echo.Logger {
	return &echoLogger{log: logrus.StandardLogger()}
}

func mustMarshal(j gommonlog.JSON) string {
	b, err := json.MarshalIndent(j, "", "    ")
	if err != nil {
		panic(fmt.Sprintf("logging: cannot marshal log fields: %v", j))
	}
	return string(b)
}

func (l *echoLogger) SetLevel(gommonlog.Lvl) { /* level is controlled by Configure, not echo. */ }

func (l *echoLogger) Level() gommonlog.Lvl {
	switch l.log.Level {
	case logrus.DebugLevel:
		return gommonlog.DEBUG
	case logrus.InfoLevel:
		return gommonlog.INFO
	case logrus.WarnLevel:
		return gommonlog.WARN
	default:
		return gommonlog.ERROR
	}
}

func (l *echoLogger) SetOutput(w io.Writer) { l.log.Out = w }
func (l *echoLogger) Output() io.Writer     { return l.log.Out }
func (l *echoLogger) SetPrefix(string)      {}
func (l *echoLogger) Prefix() string        { return "" }
func (l *echoLogger) SetHeader(string)      {}

func (l *echoLogger) Print(i ...interface{})                    { l.log.Print(i...) }
func (l *echoLogger) Printf(format string, args ...interface{}) { l.log.Printf(format, args...) }
func (l *echoLogger) Printj(j gommonlog.JSON)                   { l.log.Println(mustMarshal(j)) }
func (l *echoLogger) Debug(i ...interface{})                    { l.log.Debug(i...) }
func (l *echoLogger) Debugf(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *echoLogger) Debugj(j gommonlog.JSON)                   { l.log.Debugln(mustMarshal(j)) }
func (l *echoLogger) Info(i ...interface{})                     { l.log.Info(i...) }
func (l *echoLogger) Infof(format string, args ...interface{})  { l.log.Infof(format, args...) }
func (l *echoLogger) Infoj(j gommonlog.JSON)                    { l.log.Infoln(mustMarshal(j)) }
func (l *echoLogger) Warn(i ...interface{})                     { l.log.Warn(i...) }
func (l *echoLogger) Warnf(format string, args ...interface{})  { l.log.Warnf(format, args...) }
func (l *echoLogger) Warnj(j gommonlog.JSON)                    { l.log.Warnln(mustMarshal(j)) }
func (l *echoLogger) Error(i ...interface{})                    { l.log.Error(i...) }
func (l *echoLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }
func (l *echoLogger) Errorj(j gommonlog.JSON)                   { l.log.Errorln(mustMarshal(j)) }
func (l *echoLogger) Fatal(i ...interface{})                    { l.log.Fatal(i...) }
func (l *echoLogger) Fatalf(format string, args ...interface{}) { l.log.Fatalf(format, args...) }
func (l *echoLogger) Fatalj(j gommonlog.JSON)                   { l.log.Fatalln(mustMarshal(j)) }
func (l *echoLogger) Panic(i ...interface{})                    { l.log.Panic(i...) }
func (l *echoLogger) Panicf(format string, args ...interface{}) { l.log.Panicf(format, args...) }
func (l *echoLogger) Panicj(j gommonlog.JSON)                   { l.log.Panicln(mustMarshal(j)) }
