package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/jmylchreest/abrengine/internal/simulate"
)

// parseBitrate parses "2M", "600k", "2.5Mbps" or a plain number of bits
// per second.
func parseBitrate(s string) (float64, error) {
	v := strings.TrimSpace(strings.ToLower(s))
	v = strings.TrimSuffix(v, "bps")
	v = strings.TrimSuffix(v, "bit/s")

	mult := 1.0
	switch {
	case strings.HasSuffix(v, "k"):
		mult, v = 1e3, strings.TrimSuffix(v, "k")
	case strings.HasSuffix(v, "m"):
		mult, v = 1e6, strings.TrimSuffix(v, "m")
	case strings.HasSuffix(v, "g"):
		mult, v = 1e9, strings.TrimSuffix(v, "g")
	}

	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid bitrate %q", s)
	}
	return n * mult, nil
}

// formatBitrate renders bits per second with a unit.
func formatBitrate(bps float64) string {
	switch {
	case bps >= 1e6:
		return strconv.FormatFloat(bps/1e6, 'f', -1, 64) + " Mbps"
	case bps >= 1e3:
		return strconv.FormatFloat(bps/1e3, 'f', -1, 64) + " kbps"
	default:
		return strconv.FormatFloat(bps, 'f', -1, 64) + " bps"
	}
}

// bitrateValue is a pflag.Value holding a bitrate.
type bitrateValue float64

var _ pflag.Value = (*bitrateValue)(nil)

func (b *bitrateValue) String() string {
	return formatBitrate(float64(*b))
}

func (b *bitrateValue) Set(s string) error {
	v, err := parseBitrate(s)
	if err != nil {
		return err
	}
	*b = bitrateValue(v)
	return nil
}

func (b *bitrateValue) Type() string {
	return "bitrate"
}

// bitrateListValue is a comma separated list of bitrates.
type bitrateListValue []float64

var _ pflag.Value = (*bitrateListValue)(nil)

func (l *bitrateListValue) String() string {
	parts := make([]string, len(*l))
	for i, b := range *l {
		parts[i] = formatBitrate(b)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (l *bitrateListValue) Set(s string) error {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		v, err := parseBitrate(part)
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	*l = out
	return nil
}

func (l *bitrateListValue) Type() string {
	return "bitrates"
}

// scheduleValue collects "20s=600k" bandwidth changes.
type scheduleValue []simulate.BandwidthChange

var _ pflag.Value = (*scheduleValue)(nil)

func (s *scheduleValue) String() string {
	parts := make([]string, len(*s))
	for i, c := range *s {
		parts[i] = c.At.String() + "=" + formatBitrate(c.Bandwidth)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s *scheduleValue) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		at, bw, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return fmt.Errorf("invalid bandwidth change %q, want <time>=<bitrate>", part)
		}
		d, err := time.ParseDuration(at)
		if err != nil {
			return fmt.Errorf("invalid bandwidth change time %q: %w", at, err)
		}
		b, err := parseBitrate(bw)
		if err != nil {
			return err
		}
		*s = append(*s, simulate.BandwidthChange{At: d, Bandwidth: b})
	}
	return nil
}

func (s *scheduleValue) Type() string {
	return "schedule"
}
