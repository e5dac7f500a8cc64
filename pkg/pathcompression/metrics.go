package pathcompression

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

// Metrics collects archive statistics.
type Metrics interface {
	AddArchivesCreated(n int64)
	AddArchivesExtracted(n int64)
	AddArchivesFailed(n int64)
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	AddEntriesProcessed(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// CompressionMetrics holds the atomic counters of archive and extract runs.
type CompressionMetrics struct {
	ArchivesCreated   atomic.Int64
	ArchivesExtracted atomic.Int64
	ArchivesFailed    atomic.Int64
	BytesRead         atomic.Int64
	BytesWritten      atomic.Int64
	EntriesProcessed  atomic.Int64

	startTime time.Time
	stopChan  chan struct{}
}

func (m *CompressionMetrics) AddArchivesCreated(n int64)   { m.ArchivesCreated.Add(n) }
func (m *CompressionMetrics) AddArchivesExtracted(n int64) { m.ArchivesExtracted.Add(n) }
func (m *CompressionMetrics) AddArchivesFailed(n int64)    { m.ArchivesFailed.Add(n) }
func (m *CompressionMetrics) AddBytesRead(n int64)         { m.BytesRead.Add(n) }
func (m *CompressionMetrics) AddBytesWritten(n int64)      { m.BytesWritten.Add(n) }
func (m *CompressionMetrics) AddEntriesProcessed(n int64)  { m.EntriesProcessed.Add(n) }

func (m *CompressionMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *CompressionMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary logs the current counters. Ratio is written/read, so for an
// archive run it is the compression ratio.
func (m *CompressionMetrics) LogSummary(msg string) {
	read := m.BytesRead.Load()
	written := m.BytesWritten.Load()

	var ratio float64
	if read > 0 {
		ratio = float64(written) / float64(read) * 100.0
	}

	args := []any{
		"entries_processed", m.EntriesProcessed.Load(),
		"archives_created", m.ArchivesCreated.Load(),
		"archives_extracted", m.ArchivesExtracted.Load(),
		"archives_failed", m.ArchivesFailed.Load(),
		"bytes_read", humanize.IBytes(uint64(read)),
		"bytes_written", humanize.IBytes(uint64(written)),
		"ratio_pct", fmt.Sprintf("%.2f%%", ratio),
	}
	if !m.startTime.IsZero() {
		args = append(args, "elapsed", time.Since(m.startTime).Round(time.Millisecond).String())
	}
	plog.Info(msg, args...)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (m *NoopMetrics) AddArchivesCreated(n int64)                       {}
func (m *NoopMetrics) AddArchivesExtracted(n int64)                     {}
func (m *NoopMetrics) AddArchivesFailed(n int64)                        {}
func (m *NoopMetrics) AddBytesRead(n int64)                             {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) AddEntriesProcessed(n int64)                      {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*CompressionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
