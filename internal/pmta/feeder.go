package pmta

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/broadcast-engine/internal/ingest"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
)

// EventSender is satisfied by *ingest.Publisher.
type EventSender interface {
	Send(ctx context.Context, evt ingest.LogEvent) error
}

// AcctFeeder watches the PMTA accounting directory and publishes every
// completed file's records to the log queue. A file is complete once PMTA
// has not written to it for the settle period. Fed files are renamed with
// a ".done" suffix. A file that fails part way keeps a ".progress" sidecar
// with the number of records already handled, and the next scan resumes
// after them.
type AcctFeeder struct {
	dir      string
	pattern  string
	settle   time.Duration
	interval time.Duration
	pub      EventSender
	now      func() time.Time
	done     chan struct{}
}

func NewAcctFeeder(dir string, pub EventSender) *AcctFeeder {
	return &AcctFeeder{
		dir:      dir,
		pattern:  "acct-*.csv",
		settle:   time.Minute,
		interval: 30 * time.Second,
		pub:      pub,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

func (f *AcctFeeder) Start(ctx context.Context) {
	logger.Info("accounting feeder started", "dir", f.dir)
	go func() {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			if _, err := f.Scan(ctx); err != nil {
				logger.Error("accounting scan failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (f *AcctFeeder) Stop() { close(f.done) }

// Scan feeds every settled file and returns how many events were published.
func (f *AcctFeeder) Scan(ctx context.Context) (int, error) {
	paths, err := filepath.Glob(filepath.Join(f.dir, f.pattern))
	if err != nil {
		return 0, fmt.Errorf("glob accounting files: %w", err)
	}
	sort.Strings(paths)

	total := 0
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || f.now().Sub(info.ModTime()) < f.settle {
			continue
		}
		n, err := f.Feed(ctx, path)
		total += n
		if err != nil {
			return total, err
		}
		if err := os.Rename(path, path+".done"); err != nil {
			return total, fmt.Errorf("mark %s done: %w", path, err)
		}
		if err := os.Remove(progressPath(path)); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove accounting progress", "file", filepath.Base(path), "error", err)
		}
	}
	return total, nil
}

// Feed publishes the records of one file, skipping any already handled by
// an earlier attempt. It stops at the first publish error and saves how far
// it got so the next scan retries only the rest.
func (f *AcctFeeder) Feed(ctx context.Context, path string) (int, error) {
	records, err := NewAcctParser().ParseFile(path)
	if err != nil {
		return 0, err
	}
	start := readProgress(path)
	if start > len(records) {
		start = len(records)
	}

	n := 0
	for i := start; i < len(records); i++ {
		rec := records[i]
		evt, ok := rec.LogEvent()
		if !ok {
			continue
		}
		if err := f.pub.Send(ctx, evt); err != nil {
			if perr := writeProgress(path, i); perr != nil {
				logger.Error("failed to save accounting progress", "file", filepath.Base(path), "error", perr)
			}
			return n, fmt.Errorf("publish %s record: %w", rec.Type, err)
		}
		n++
		if n%progressEvery == 0 {
			if err := writeProgress(path, i+1); err != nil {
				logger.Warn("failed to save accounting progress", "file", filepath.Base(path), "error", err)
			}
		}
	}
	logger.Info("accounting file fed", "file", filepath.Base(path), "records", len(records), "skipped", start, "events", n)
	return n, nil
}

// progressEvery bounds how many events a crash mid-file can replay.
const progressEvery = 100

func progressPath(path string) string { return path + ".progress" }

// readProgress returns 0 when there is no usable sidecar.
func readProgress(path string) int {
	b, err := os.ReadFile(progressPath(path))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeProgress(path string, handled int) error {
	return os.WriteFile(progressPath(path), []byte(strconv.Itoa(handled)), 0o644)
}
