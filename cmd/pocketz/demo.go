package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"

	"github.com/zoobzio/pocketz"
	"github.com/zoobzio/pocketz/honeycomb"
	"github.com/zoobzio/pocketz/jsonlog"
	"github.com/zoobzio/pocketz/waterfall"
)

// EnvHoneycombKey holds the Honeycomb API key.
const EnvHoneycombKey = "HONEYCOMB_API_KEY"

var errCacheMiss = errors.New("cache miss")

// demoOptions are the demo subcommand's flags.
//
//nolint:govet // Field order follows flag order
type demoOptions struct {
	configPath  string
	waterfall   bool
	jsonlog     bool
	serviceName string
	dataset     string
	apiKey      string
	apiURL      string
	requests    int
	concurrency int
	latency     time.Duration
	clock       clockz.Clock
}

func newDemoCmd(logs *logFlags) *cobra.Command {
	opts := &demoOptions{clock: clockz.RealClock}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Trace a simulated request workload",
		Long: `demo runs concurrent simulated requests. Each request is one trace with
auth, database and cache spans plus a background job that continues the
trace through an exported carrier.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logs.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runDemo(ctx, opts, logger, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Tracer config file (YAML)")
	f.BoolVar(&opts.waterfall, "waterfall", true, "Draw each trace as a waterfall")
	f.BoolVar(&opts.jsonlog, "jsonlog", false, "Write each span as a JSON log line")
	f.StringVar(&opts.serviceName, "service-name", "pocketz-demo", "Service name for JSON log lines")
	f.StringVar(&opts.dataset, "honeycomb-dataset", "", "Upload traces to this Honeycomb dataset")
	f.StringVar(&opts.apiKey, "honeycomb-key", os.Getenv(EnvHoneycombKey), "Honeycomb API key (default $"+EnvHoneycombKey+")")
	f.StringVar(&opts.apiURL, "honeycomb-url", honeycomb.DefaultURL, "Honeycomb API base URL")
	f.IntVarP(&opts.requests, "requests", "n", 5, "Number of requests to simulate")
	f.IntVar(&opts.concurrency, "concurrency", 4, "Maximum requests in flight")
	f.DurationVar(&opts.latency, "latency", 10*time.Millisecond, "Typical simulated operation latency")
	return cmd
}

// summary counts what the demo produced.
type summary struct {
	traces    atomic.Int64
	spans     atomic.Int64
	failed    atomic.Int64
	exported  int64
	dropped   int64
	lateSpans uint64
}

func runDemo(ctx context.Context, opts *demoOptions, logger *logrus.Logger, out io.Writer) error {
	cfg, err := pocketz.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	tracer := pocketz.New(cfg).WithLogger(logger).WithClock(opts.clock)
	tracer.SetPanicHook(func(id uint64, r interface{}) {
		logger.WithFields(logrus.Fields{"receiver": id, "panic": r}).Warn("receiver recovered")
	})

	out = &lockedWriter{w: out}
	sum := &summary{}
	tracer.AddReceiver(pocketz.ReceiverFunc(func(spans []pocketz.Span) error {
		sum.traces.Add(1)
		sum.spans.Add(int64(len(spans)))
		return nil
	}))
	if opts.waterfall {
		tracer.AddReceiver(waterfall.New(out, waterfall.Config{ExcludeKeys: waterfall.ExcludeDefaults(tracer)}))
	}
	if opts.jsonlog {
		tracer.AddReceiver(jsonlog.New(out, jsonlog.Config{ServiceName: opts.serviceName}))
	}

	var exp *honeycomb.Exporter
	if opts.dataset != "" {
		exp, err = honeycomb.New(tracer, honeycomb.Config{
			APIKey:          opts.apiKey,
			Dataset:         opts.dataset,
			URL:             opts.apiURL,
			ContinueOnError: true,
		}, honeycomb.WithLogger(logger))
		if err != nil {
			return err
		}
		defer exp.Close()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	exportDone := make(chan error, 1)
	if exp != nil {
		go func() { exportDone <- exp.Run(runCtx) }()
	} else {
		close(exportDone)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.concurrency, 1))
	for i := 0; i < opts.requests; i++ {
		g.Go(func() error {
			if err := handleRequest(gctx, tracer, opts, i); err != nil {
				sum.failed.Add(1)
				logger.WithError(err).WithField("request", i).Warn("request failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	cancelRun()
	if err := <-exportDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("exporter stopped")
	}
	if exp != nil {
		exp.Close()
		sent, err := exp.Flush(ctx)
		if err != nil {
			return errors.Wrap(err, "final flush")
		}
		sum.exported = int64(sent)
		sum.dropped = exp.Buffer().DroppedCount()
	}
	sum.lateSpans = tracer.LateSpans()

	return printSummary(out, sum, exp != nil)
}

func printSummary(out io.Writer, sum *summary, exported bool) error {
	_, err := fmt.Fprintf(out, "%s traces, %s spans delivered, %s requests failed, %s late spans\n",
		humanize.Comma(sum.traces.Load()), humanize.Comma(sum.spans.Load()),
		humanize.Comma(sum.failed.Load()), humanize.Comma(int64(sum.lateSpans)))
	if err != nil || !exported {
		return err
	}
	_, err = fmt.Fprintf(out, "%s spans in final upload, %s dropped\n",
		humanize.Comma(sum.exported), humanize.Comma(sum.dropped))
	return err
}

// handleRequest simulates one request as one trace.
func handleRequest(ctx context.Context, tracer *pocketz.Tracer, opts *demoOptions, n int) error {
	md := pocketz.Metadata{
		"request_id": uuid.NewString(),
		"route":      "/orders",
	}

	return tracer.Trace(ctx, "request", md, func(ctx context.Context, span *pocketz.ActiveSpan) error {
		if err := tracer.Span(ctx, "auth", nil, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
			return work(ctx, opts.clock, opts.latency/4)
		}); err != nil {
			return err
		}

		// Sibling spans on separate goroutines share the trace.
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return tracer.Span(gctx, "db_query", pocketz.Metadata{"table": "orders"}, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
				return work(ctx, opts.clock, opts.latency)
			})
		})
		g.Go(func() error {
			err := tracer.Span(gctx, "cache_lookup", pocketz.Metadata{"key": "orders:recent"}, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
				if err := work(ctx, opts.clock, opts.latency/2); err != nil {
					return err
				}
				if n%3 == 2 {
					return errCacheMiss
				}
				return nil
			})
			if errors.Is(err, errCacheMiss) {
				span.SetTag("cache", "miss")
				return nil
			}
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		return enqueue(ctx, tracer, opts)
	})
}

// enqueue hands a job to a worker goroutine through a carrier, the way a
// message queue would, and waits for it to finish.
func enqueue(ctx context.Context, tracer *pocketz.Tracer, opts *demoOptions) error {
	jobs := make(chan pocketz.Carrier, 1)
	done := make(chan error, 1)

	go func() {
		headers := <-jobs
		jobCtx, job := tracer.Import(context.Background(), "process_job", headers, pocketz.Metadata{"queue": "orders"})
		err := tracer.Span(jobCtx, "render_invoice", nil, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
			return work(ctx, opts.clock, opts.latency/2)
		})
		done <- job.End(err)
	}()

	return tracer.Span(ctx, "enqueue", pocketz.Metadata{"queue": "orders"}, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
		jobs <- tracer.Export(ctx)
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})
}

// work waits for roughly d, jittered by up to half.
func work(ctx context.Context, clock clockz.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	d += time.Duration(rand.Int64N(int64(d)/2 + 1))
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-clock.After(d):
		return nil
	}
}

// lockedWriter serializes writes from receivers sharing one output.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
