// Command crac-server serves a greeting and a health route, and can
// checkpoint and restore itself once started.
//
// Usage:
//
//	crac-server [--checkpoint]
//
// The optional YAML configuration file is read from the path in the
// CRAC_SERVER_CONFIG environment variable.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"go.tickamp.dev/crac"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run starts the server and blocks until it stops. It returns the process
// exit code.
func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("crac-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	checkpoint := fs.Bool("checkpoint", false,
		"checkpoint and restore the process once the server is started")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := LoadConfig(os.Getenv(configEnv))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger, err := newLogrus(cfg.Log, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := crac.NewMetrics(reg)

	coordinator := crac.NewCheckpointer(
		cfg.snapshotter(newLogger(logger, "snapshot")),
		&crac.CheckpointerOptions{
			Metrics: metrics,
			Logger:  newLogger(logger, "checkpoint"),
		})

	a := newApp(cfg, newRouter(logger, reg), appOptions{
		Checkpoint:  *checkpoint,
		Coordinator: coordinator,
		Metrics:     metrics,
		Logger:      newLogger(logger, "server"),
	})
	if err := a.Start(); err != nil {
		logger.WithError(err).Error("server failed")
		return 1
	}
	return 0
}
