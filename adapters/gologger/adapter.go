// Package gologger bridges go-logger into the pipeline components and the
// go-job runtime that schedules them.
package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// RootLoggerName names the pipeline logger; components log under
// RootLoggerName + "." + component.
const RootLoggerName = "syncpipe"

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(componentName(name), provider, logger)
}

// Component returns the logger for one pipeline component such as "worker"
// or "outbox". A nil provider yields a nop logger.
func Component(provider glog.LoggerProvider, component string) glog.Logger {
	if provider == nil {
		return glog.Nop()
	}
	return glog.Ensure(provider.GetLogger(componentName(component)))
}

func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the pipeline logger and returns the go-job bridges
// used by the job runner.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}

func componentName(name string) string {
	name = strings.Trim(strings.TrimSpace(strings.ToLower(name)), ".")
	switch {
	case name == "" || name == RootLoggerName:
		return RootLoggerName
	case strings.HasPrefix(name, RootLoggerName+"."):
		return name
	default:
		return RootLoggerName + "." + name
	}
}
