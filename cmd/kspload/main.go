package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/iti/kspload"
	"github.com/iti/kspload/internal/logging"
	"github.com/iti/kspload/internal/observability"
)

func main() {
	configFile := flag.String("config", "", "batch configuration file (.yaml, .yml or .json)")
	networkFile := flag.String("network", "", "finalized edge table file (.yaml, .yml or .json)")
	outFile := flag.String("out", "", "file the batch result is written to (.yaml, .yml or .json)")
	traceFile := flag.String("trace", "", "file the drop trace is written to; enables the trace")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics; empty disables")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (default LOG_LEVEL, then info)")
	logFormat := flag.String("log-format", "", "text or json (default LOG_FORMAT, then text)")
	tracing := flag.Bool("tracing", false, "export OpenTelemetry spans to stdout")
	flag.Parse()

	log := logging.NewFromEnv(logging.Config{Level: *logLevel, Format: *logFormat})
	if err := run(log, *configFile, *networkFile, *outFile, *traceFile, *metricsAddr, *tracing); err != nil {
		log.Error(context.Background(), "kspload failed", logging.Err(err))
		os.Exit(1)
	}
}

func run(log logging.Logger, configFile, networkFile, outFile, traceFile, metricsAddr string, tracing bool) error {
	if configFile == "" || networkFile == "" || outFile == "" {
		flag.Usage()
		return fmt.Errorf("-config, -network and -out are required")
	}
	if _, err := kspload.CheckFiles([]string{outFile, traceFile}, false); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{Enabled: tracing}, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	var collector *observability.SimCollector
	if metricsAddr != "" {
		collector, err = observability.NewSimCollector(nil)
		if err != nil {
			return err
		}
		if srv := serveMetrics(metricsAddr, collector, log); srv != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
	}

	syn := map[string]string{"config": configFile, "network": networkFile}
	bc, et, err := kspload.GetBatchDicts(syn)
	if err != nil {
		return err
	}
	log.Info(ctx, "loaded batch",
		logging.String("name", bc.Name),
		logging.Int("nodes", et.Nodes),
		logging.Int("edges", len(et.Edges)),
		logging.Int("scenarios", bc.Axes.Count()),
		logging.String("oracle", bc.Oracle.Kind))

	// a trace asked for in the configuration lands next to the result
	if bc.Trace && traceFile == "" {
		ext := filepath.Ext(outFile)
		traceFile = strings.TrimSuffix(outFile, ext) + "-trace" + ext
	}
	traceMgr := kspload.CreateTraceManager(bc.Name, traceFile != "")

	br, err := kspload.RunBatchCfg(ctx, bc, et, kspload.BatchOptions{
		Logger:   log,
		Metrics:  collector,
		Tracer:   otel.Tracer(observability.TracerName),
		TraceMgr: traceMgr,
	})
	if err != nil {
		return err
	}

	for idx := range br.Entries {
		entry := &br.Entries[idx]
		fields := []logging.Field{logging.String("scenario", entry.Params.ID()), logging.String("outcome", entry.Outcome())}
		if entry.Result != nil {
			fields = append(fields, logging.Int("drops", len(entry.Result.Drops)))
			if entry.Result.Detail != "" {
				fields = append(fields, logging.String("detail", entry.Result.Detail))
			}
		} else {
			fields = append(fields, logging.String("error", entry.Error))
		}
		log.Info(ctx, "scenario", fields...)
	}

	if err := br.WriteToFile(outFile); err != nil {
		return err
	}
	if traceFile != "" {
		if _, err := traceMgr.WriteToFile(traceFile); err != nil {
			return err
		}
	}
	log.Info(ctx, "wrote batch result", logging.String("file", outFile), logging.Any("summary", br.Summary))
	return nil
}

func serveMetrics(addr string, collector *observability.SimCollector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
