// Package logging sets up the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

const FieldFuncName = "funcName"

// ServiceFormatter is a Formatter that:
// 1. logs the unix time in milliseconds;
// 2. logs the service name.
type ServiceFormatter struct {
	svcName string
	log.Formatter
}

func (f *ServiceFormatter) Format(e *log.Entry) ([]byte, error) {
	e.Data["epochTimeMillis"] = e.Time.UnixNano() / int64(time.Millisecond)
	e.Data["service"] = f.svcName
	return f.Formatter.Format(e)
}

type Options struct {
	Service string
	Verbose bool
	JSON    bool
	// Writer defaults to stdout.
	Writer io.Writer
}

// Setup configures the standard logrus logger.
func Setup(opt Options) {
	var w io.Writer = os.Stdout
	if opt.Writer != nil {
		w = opt.Writer
	}
	log.SetOutput(w)
	var inner log.Formatter = &log.TextFormatter{DisableTimestamp: true, DisableQuote: true}
	if opt.JSON {
		inner = &log.JSONFormatter{DisableTimestamp: true}
	}
	log.SetFormatter(&ServiceFormatter{svcName: opt.Service, Formatter: inner})
	log.SetLevel(log.InfoLevel)
	if opt.Verbose {
		log.SetLevel(log.DebugLevel)
	}
}

// WithFuncName returns a *logrus.Entry marked with the name of the function
// calling WithFuncName.
func WithFuncName() *log.Entry {
	pc, _, _, ok := runtime.Caller(1)
	var funcName string
	if ok {
		frs := runtime.CallersFrames([]uintptr{pc})
		fr, _ := frs.Next()
		funcName = fr.Function
	}
	return log.WithField(FieldFuncName, funcName)
}
