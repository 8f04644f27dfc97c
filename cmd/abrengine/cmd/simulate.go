package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/abrengine/internal/observability"
	"github.com/jmylchreest/abrengine/internal/simulate"
	"github.com/jmylchreest/abrengine/internal/stream"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the engine against a simulated network",
	Long: `Run the full buffering engine against generated content and a
modelled network link, printing engine events and a playback summary.

Examples:
  abrengine simulate --bandwidth 2M --periods 2
  abrengine simulate --bandwidth 10M --bandwidth-change 20s=800k --events
  abrengine simulate --realtime --metrics-listen 127.0.0.1:9464

Without --realtime a metrics server keeps running after the simulation
finished until the process is interrupted.`,
	RunE: runSimulate,
}

type simulateFlags struct {
	bandwidth       bitrateValue
	schedule        scheduleValue
	latency         time.Duration
	failureRate     float64
	seed            uint64
	periods         int
	periodDuration  time.Duration
	segmentDuration time.Duration
	bitrates        bitrateListValue
	audioBitrate    bitrateValue
	text            bool
	step            time.Duration
	maxDuration     time.Duration
	realtime        bool
	speed           float64
	events          bool
	jsonOutput      bool
	metricsListen   string
}

var simFlags = simulateFlags{
	bandwidth:    bitrateValue(2_000_000),
	bitrates:     bitrateListValue(simulate.DefaultContent().VideoBitrates),
	audioBitrate: bitrateValue(simulate.DefaultContent().AudioBitrate),
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	content := simulate.DefaultContent()
	opts := simulate.DefaultOptions()
	f := simulateCmd.Flags()

	f.Var(&simFlags.bandwidth, "bandwidth", "link bandwidth, e.g. 2M or 600k")
	f.Var(&simFlags.schedule, "bandwidth-change", "bandwidth changes as <time>=<bitrate>, repeatable")
	f.DurationVar(&simFlags.latency, "latency", 50*time.Millisecond, "time to first byte of every request")
	f.Float64Var(&simFlags.failureRate, "failure-rate", 0, "probability of a request failing with a 503")
	f.Uint64Var(&simFlags.seed, "seed", 1, "seed for simulated failures")

	f.IntVar(&simFlags.periods, "periods", content.Periods, "number of periods")
	f.DurationVar(&simFlags.periodDuration, "period-duration", seconds(content.PeriodDuration), "length of each period")
	f.DurationVar(&simFlags.segmentDuration, "segment-duration", seconds(content.SegmentDuration), "length of each segment")
	f.Var(&simFlags.bitrates, "bitrates", "comma separated video bitrate ladder")
	f.Var(&simFlags.audioBitrate, "audio-bitrate", "audio bitrate, 0 disables audio")
	f.BoolVar(&simFlags.text, "text", false, "add a text track")

	f.DurationVar(&simFlags.step, "step", opts.Step, "simulated time between engine ticks")
	f.DurationVar(&simFlags.maxDuration, "duration", 0, "stop after this much simulated time (0 runs to the end)")
	f.BoolVar(&simFlags.realtime, "realtime", false, "pace the simulation against the wall clock")
	f.Float64Var(&simFlags.speed, "speed", 1, "wall clock speed-up in realtime mode")
	f.BoolVar(&simFlags.events, "events", false, "print engine events")
	f.BoolVar(&simFlags.jsonOutput, "json", false, "print the summary as JSON")
	f.StringVar(&simFlags.metricsListen, "metrics-listen", "", "serve prometheus metrics on this address (overrides metrics.listen)")
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := observability.NewSessionID()
	logger := observability.WithSession(slog.Default(), sessionID)

	content := simulate.Content{
		Periods:         simFlags.periods,
		PeriodDuration:  simFlags.periodDuration.Seconds(),
		SegmentDuration: simFlags.segmentDuration.Seconds(),
		VideoBitrates:   simFlags.bitrates,
		AudioBitrate:    float64(simFlags.audioBitrate),
		TextTrack:       simFlags.text,
		InitSegments:    true,
	}
	link := simulate.Link{
		Bandwidth:   float64(simFlags.bandwidth),
		Latency:     simFlags.latency,
		Schedule:    simFlags.schedule,
		FailureRate: simFlags.failureRate,
		Seed:        simFlags.seed,
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	out := cmd.OutOrStdout()
	opts := simulate.DefaultOptions()
	opts.Step = simFlags.step
	opts.MaxDuration = simFlags.maxDuration
	opts.Realtime = simFlags.realtime
	opts.Speed = simFlags.speed
	opts.Logger = logger
	opts.Metrics = metrics
	if simFlags.events {
		opts.OnEvent = func(at time.Duration, ev stream.Event) {
			fmt.Fprintf(out, "[%9.3fs] %s\n", at.Seconds(), describeEvent(ev))
		}
	}

	session, err := simulate.NewSession(cfg, content, link, opts)
	if err != nil {
		return fmt.Errorf("creating simulation: %w", err)
	}

	listen := simFlags.metricsListen
	if listen == "" && cfg.Metrics.Enabled {
		listen = cfg.Metrics.Listen
	}

	var summary simulate.Summary
	g, gctx := errgroup.WithContext(ctx)

	var server *http.Server
	if listen != "" {
		server = &http.Server{
			Addr:              listen,
			Handler:           newMetricsRouter(registry, sessionID),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", slog.String("address", listen))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		var runErr error
		summary, runErr = session.Run(gctx)
		if server != nil {
			if !simFlags.realtime {
				logger.Info("simulation done, metrics stay available until interrupted")
				<-gctx.Done()
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
			}
		}
		return runErr
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if printErr := printSummary(out, summary, simFlags.jsonOutput); printErr != nil {
		return printErr
	}
	return err
}

// newMetricsRouter exposes metrics and a health check.
func newMetricsRouter(registry *prometheus.Registry, sessionID string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "session": sessionID})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return r
}

func describeEvent(ev stream.Event) string {
	switch e := ev.(type) {
	case stream.BitrateEstimationChange:
		if !e.Known {
			return fmt.Sprintf("%s %s unknown", ev.Name(), e.Type)
		}
		return fmt.Sprintf("%s %s %s", ev.Name(), e.Type, formatBitrate(e.Bitrate))
	case stream.RepresentationChange:
		if e.Representation == nil {
			return fmt.Sprintf("%s %s none", ev.Name(), e.Type)
		}
		return fmt.Sprintf("%s %s %s %s", ev.Name(), e.Type, e.Representation.ID, formatBitrate(e.Representation.Bitrate))
	case stream.AdaptationChange:
		return fmt.Sprintf("%s %s period=%s", ev.Name(), e.Type, e.Period.ID)
	case stream.AddedSegment:
		return fmt.Sprintf("%s %s %s [%.3f, %.3f)", ev.Name(), e.Type, e.Representation.ID, e.Start, e.End)
	case stream.ActivePeriodChanged:
		return fmt.Sprintf("%s %s", ev.Name(), e.Period.ID)
	case stream.Warning:
		return fmt.Sprintf("%s %v", ev.Name(), e.Err)
	case stream.ErrorEvent:
		return fmt.Sprintf("%s %s %v", ev.Name(), e.Type, e.Err)
	default:
		return ev.Name()
	}
}

func printSummary(w io.Writer, s simulate.Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "simulated time:   %s\n", s.SimulatedTime)
	fmt.Fprintf(&b, "position:         %.3fs (ended: %t)\n", s.Position, s.Ended)
	fmt.Fprintf(&b, "startup delay:    %s\n", s.StartupDelay)
	fmt.Fprintf(&b, "stalls:           %d (%s)\n", s.Stalls, s.StallTime)
	fmt.Fprintf(&b, "average bitrate:  %s\n", formatBitrate(s.AverageBitrate))
	fmt.Fprintf(&b, "switches:         %d\n", s.Switches)
	fmt.Fprintf(&b, "requests:         %d (%d failed, %d bytes)\n", s.Network.Requests, s.Network.Failures, s.Network.Bytes)
	_, err := io.WriteString(w, b.String())
	return err
}
