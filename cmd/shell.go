// This package provides utilities that underlie the marathon-acme
// command. The binary takes a single parameter "-config", the name of a
// JSON file containing its configuration, which is unmarshalled into a
// Config object.

package cmd

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"net"
	"net/http"
	_ "net/http/pprof" // HTTP performance profiling on the debug server.
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/praekeltfoundation/marathon-acme/core"
	blog "github.com/praekeltfoundation/marathon-acme/log"
)

// Because we don't know when this init will be called with respect to
// flag.Parse() and other flag definitions, we can't rely on the regular
// flag mechanism. But this one is fine.
func init() {
	for _, v := range os.Args {
		if v == "--version" || v == "-version" {
			fmt.Println(VersionString())
			os.Exit(0)
		}
	}
}

// StatsAndLogging constructs a prometheus registry and a Logger based on
// the config parameters, and returns them both. The constructed logger is
// also set as the package default. When syslog is unreachable (common in
// containers) logging falls back to stdout only.
func StatsAndLogging(logConf SyslogConfig) (*prometheus.Registry, blog.Logger) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	stdoutLevel := logConf.StdoutLevel
	if stdoutLevel == 0 {
		stdoutLevel = int(syslog.LOG_INFO)
	}
	syslogLevel := logConf.SyslogLevel
	if syslogLevel == 0 {
		syslogLevel = int(syslog.LOG_INFO)
	}

	var logger blog.Logger
	tag := path.Base(os.Args[0])
	syslogger, err := syslog.Dial("", "", syslog.LOG_INFO|syslog.LOG_LOCAL0, tag)
	if err != nil {
		logger = blog.NewStdoutLogger(stdoutLevel)
		logger.Warning(fmt.Sprintf("Could not connect to syslog, logging to stdout only: %s", err))
	} else {
		logger, err = blog.New(syslogger, stdoutLevel, syslogLevel)
		FailOnError(err, "Could not construct logger")
	}
	_ = blog.Set(logger)

	return registry, logger
}

// FailOnError exits and prints an error message if we encountered a problem
func FailOnError(err error, msg string) {
	if err != nil {
		logger := blog.Get()
		logger.AuditErr(fmt.Sprintf("%s: %s", msg, err))
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
		os.Exit(1)
	}
}

// DebugServer starts a server to receive debug information. Typical
// usage is to start it in a goroutine, configured with an address
// from the configuration object:
//
//	go cmd.DebugServer(c.MarathonAcme.DebugAddr, registry)
func DebugServer(addr string, registry *prometheus.Registry) {
	if addr == "" {
		FailOnError(fmt.Errorf("debugAddr is empty"), "unable to boot debug server")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		FailOnError(err, fmt.Sprintf("unable to boot debug server on %s", addr))
	}
	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	err = http.Serve(ln, nil)
	FailOnError(err, "unable to boot debug server")
}

// ReadConfigFile takes a file path as an argument and attempts to
// unmarshal the content of the file into a struct containing a
// configuration of a marathon-acme component.
func ReadConfigFile(filename string, out interface{}) error {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(configData, out)
}

// VersionString produces a friendly Application version string.
func VersionString() string {
	name := path.Base(os.Args[0])
	return fmt.Sprintf("Versions: %s=(%s %s) Golang=(%s) BuildHost=(%s)", name, core.GetBuildID(), core.GetBuildTime(), runtime.Version(), core.GetBuildHost())
}

var signalToName = map[os.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGHUP:  "SIGHUP",
}

// CatchSignals blocks until SIGTERM, SIGINT or SIGHUP arrives, then
// executes the callback. The callback is expected to make the process
// wind down.
func CatchSignals(logger blog.Logger, callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	signal.Notify(sigChan, syscall.SIGHUP)

	sig := <-sigChan
	logger.Info(fmt.Sprintf("Caught %s", signalToName[sig]))

	if callback != nil {
		callback()
	}
}
