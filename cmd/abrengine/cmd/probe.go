package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/abrengine/internal/abr"
	"github.com/jmylchreest/abrengine/internal/manifest"
	"github.com/jmylchreest/abrengine/internal/observability"
	"github.com/jmylchreest/abrengine/internal/stream"
	"github.com/jmylchreest/abrengine/internal/transport"
)

var probeCmd = &cobra.Command{
	Use:   "probe <url-template>",
	Short: "Download segments from an origin and estimate bandwidth",
	Long: `Download consecutive segments of one representation through the engine's
HTTP fetcher and report each transfer together with the resulting bandwidth
estimate.

The template accepts $Number$, $Time$ (milliseconds) and $RepresentationID$:

  abrengine probe 'https://cdn.example.com/video/$RepresentationID$/seg-$Number$.m4s' \
    --representation 720p --segments 10`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

var probeFlags struct {
	representation  string
	segments        int
	startNumber     int
	segmentDuration time.Duration
}

func init() {
	rootCmd.AddCommand(probeCmd)

	f := probeCmd.Flags()
	f.StringVar(&probeFlags.representation, "representation", "", "value substituted for $RepresentationID$")
	f.IntVar(&probeFlags.segments, "segments", 5, "number of segments to download")
	f.IntVar(&probeFlags.startNumber, "start-number", 1, "number of the first segment")
	f.DurationVar(&probeFlags.segmentDuration, "segment-duration", 2*time.Second, "duration of one segment")
}

func runProbe(cmd *cobra.Command, args []string) error {
	if probeFlags.segments < 1 {
		return fmt.Errorf("segments must be at least 1")
	}
	if probeFlags.segmentDuration <= 0 {
		return fmt.Errorf("segment duration must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.WithSession(slog.Default(), observability.NewSessionID())
	metrics := observability.NewMetrics(nil)
	fetcher := stream.NewRetryingFetcher(
		transport.NewHTTPFetcher(transport.ConfigFromHTTP(cfg.HTTP), transport.WithLogger(logger)),
		stream.RetryPolicyFromConfig(cfg.Retry),
		stream.WithRetryLogger(logger),
		stream.WithRetryMetrics(metrics),
	)

	segDur := probeFlags.segmentDuration.Seconds()
	index := &manifest.TemplateIndex{
		RepresentationID: probeFlags.representation,
		Media:            args[0],
		SegmentDuration:  segDur,
		End:              float64(probeFlags.segments) * segDur,
		StartNumber:      probeFlags.startNumber,
	}
	rep := &manifest.Representation{ID: probeFlags.representation, Index: index}

	estimator := abr.NewBandwidthEstimator()
	out := cmd.OutOrStdout()
	var failed int

	for _, seg := range index.Segments(0, index.End) {
		ev := fetchOne(ctx, fetcher, stream.FetchRequest{
			ID:             uuid.NewString(),
			MediaType:      manifest.Video,
			Representation: rep,
			Segment:        seg,
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ev.Kind == stream.FetchError {
			failed++
			fmt.Fprintf(out, "segment %-6s error: %v\n", seg.ID, ev.Err)
			continue
		}

		estimator.AddSample(ev.Duration, ev.Size)
		line := fmt.Sprintf("segment %-6s %10d bytes in %-12s", seg.ID, ev.Size, ev.Duration.Round(time.Millisecond))
		if bw, ok := estimator.Estimate(); ok {
			line += " estimate " + formatBitrate(bw)
		}
		fmt.Fprintln(out, line)
	}

	bw, ok := estimator.Estimate()
	if !ok {
		fmt.Fprintln(out, "estimate: not enough data")
	} else {
		fmt.Fprintf(out, "estimate: %s\n", formatBitrate(bw))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d segments failed", failed, probeFlags.segments)
	}
	return nil
}

// fetchOne runs a fetch to completion and returns its terminal event.
func fetchOne(ctx context.Context, f stream.Fetcher, req stream.FetchRequest) stream.FetchEvent {
	done := make(chan stream.FetchEvent, 1)
	f.Fetch(ctx, req, func(ev stream.FetchEvent) {
		if ev.Kind == stream.FetchResponse || ev.Kind == stream.FetchError {
			done <- ev
		}
	})
	return <-done
}
