package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats holds the traffic and session counters of one process. It is safe
// for concurrent use; a nil *Stats discards every update.
type Stats struct {
	OpenedSessions atomic.Int64 // cumulative count of sessions opened
	ClosedSessions atomic.Int64 // cumulative count of sessions torn down
	FramesSent     atomic.Int64 // frames handed to a session transport
	FramesRecv     atomic.Int64 // complete frames decoded from peers
	BytesSent      atomic.Int64 // encoded bytes handed to session transports
	BytesRecv      atomic.Int64 // raw bytes read from peers
	Suppressed     atomic.Int64 // local changes skipped by echo suppression
	Dropped        atomic.Int64 // inbound frames dropped (unknown type, bad image)
}

// NewStats returns a zeroed Stats.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) AddOpened() {
	if s != nil {
		s.OpenedSessions.Add(1)
	}
}

func (s *Stats) AddClosed() {
	if s != nil {
		s.ClosedSessions.Add(1)
	}
}

func (s *Stats) AddSent(n int) {
	if s != nil {
		s.FramesSent.Add(1)
		s.BytesSent.Add(int64(n))
	}
}

func (s *Stats) AddRecvBytes(n int) {
	if s != nil {
		s.BytesRecv.Add(int64(n))
	}
}

func (s *Stats) AddRecvFrame() {
	if s != nil {
		s.FramesRecv.Add(1)
	}
}

func (s *Stats) AddSuppressed() {
	if s != nil {
		s.Suppressed.Add(1)
	}
}

func (s *Stats) AddDropped() {
	if s != nil {
		s.Dropped.Add(1)
	}
}

// Live returns the number of sessions currently open.
func (s *Stats) Live() int64 {
	return s.OpenedSessions.Load() - s.ClosedSessions.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus export
// ──────────────────────────────────────────────────────────────────────────────

// Register exposes the counters as Prometheus collectors under the
// "clipsync" namespace.
func (s *Stats) Register(reg prometheus.Registerer) error {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "clipsync",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	collectors := []prometheus.Collector{
		counter("sessions_opened_total", "Sessions opened since process start.", &s.OpenedSessions),
		counter("sessions_closed_total", "Sessions torn down since process start.", &s.ClosedSessions),
		counter("frames_sent_total", "Frames handed to session transports.", &s.FramesSent),
		counter("frames_received_total", "Complete frames decoded from peers.", &s.FramesRecv),
		counter("bytes_sent_total", "Encoded bytes handed to session transports.", &s.BytesSent),
		counter("bytes_received_total", "Raw bytes read from peers.", &s.BytesRecv),
		counter("suppressed_total", "Local clipboard changes skipped by echo suppression.", &s.Suppressed),
		counter("dropped_frames_total", "Inbound frames dropped at dispatch.", &s.Dropped),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "clipsync",
			Name:      "sessions",
			Help:      "Sessions currently registered.",
		}, func() float64 { return float64(s.Live()) }),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register stats collector: %w", err)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartReporter launches a goroutine that logs traffic statistics every
// interval. It stops when ctx is cancelled. A non-positive interval disables
// reporting.
func (s *Stats) StartReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				opened := s.OpenedSessions.Load()
				closed := s.ClosedSessions.Load()
				sent := s.BytesSent.Load()
				recv := s.BytesRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				upC := opened - prevOpened
				downC := closed - prevClosed

				if upC > 0 || downC > 0 || inS > 0 || outS > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, upC, downC, s.Live()))
				}

				prevSent = sent
				prevRecv = recv
				prevOpened = opened
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, upC, downC, live int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Sessions: %2d↑ %2d↓ (%d live)",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
		live,
	)
}
