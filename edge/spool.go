package edge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/intellimaint/intellimaint/config"
	"github.com/intellimaint/intellimaint/model"
)

// memoryRingCap bounds the fallback ring when the disk is unusable.
const memoryRingCap = 256

// Batch is one spooled batch awaiting delivery.
type Batch struct {
	ID     uint64
	Points []model.TelemetryPoint
}

type spoolEntry struct {
	id     uint64
	path   string
	size   int64
	points int64
	mtime  time.Time
}

// Spool is the offline store-and-forward buffer: one file per batch, ids
// strictly increasing so replay order matches arrival order across restarts.
// When the disk fails it degrades to a bounded in-memory ring and counts
// drops instead of blocking the pipeline.
type Spool struct {
	dir     string
	maxMB   int64
	keep    time.Duration
	log     *zap.SugaredLogger
	metrics *Metrics

	mu       sync.Mutex
	entries  []spoolEntry // ordered by id asc
	nextID   uint64
	degraded bool
	ring     []Batch
	dropped  int64
}

// OpenSpool scans dir and resumes from whatever batches survived a restart.
func OpenSpool(cfg config.StoreForwardConfig, log *zap.SugaredLogger, metrics *Metrics) (*Spool, error) {
	s := &Spool{
		dir:     cfg.Dir,
		maxMB:   cfg.MaxStoreSizeMB,
		keep:    time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		log:     log,
		metrics: metrics,
		nextID:  1,
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		log.Warnw("spool dir unusable, degrading to memory ring", "dir", cfg.Dir, "err", err)
		s.degraded = true
		return s, nil
	}
	names, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("scan spool: %w", err)
	}
	for _, de := range names {
		name := de.Name()
		if !strings.HasPrefix(name, "b-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "b-"), ".json"), 10, 64)
		if err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(cfg.Dir, name)
		s.entries = append(s.entries, spoolEntry{
			id: id, path: path, size: info.Size(), points: countPoints(path), mtime: info.ModTime(),
		})
		if id >= s.nextID {
			s.nextID = id + 1
		}
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].id < s.entries[j].id })
	s.updateGauge()
	return s, nil
}

// countPoints decodes a surviving batch file just far enough to count its
// points. A file that will not decode counts zero; replay surfaces it later.
func countPoints(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0
	}
	return int64(len(raw))
}

// Store persists one batch and returns its replay id.
func (s *Spool) Store(points []model.TelemetryPoint) (uint64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	if s.degraded {
		s.ringStore(Batch{ID: id, Points: points})
		return id, nil
	}

	data, err := json.Marshal(points)
	if err != nil {
		return 0, fmt.Errorf("encode batch: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("b-%016d.json", id))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.log.Warnw("spool write failed, degrading to memory ring", "err", err)
		s.degraded = true
		s.ringStore(Batch{ID: id, Points: points})
		return id, nil
	}
	s.entries = append(s.entries, spoolEntry{
		id: id, path: path, size: int64(len(data)), points: int64(len(points)), mtime: time.Now(),
	})
	if s.metrics != nil {
		s.metrics.Spilled.Add(float64(len(points)))
	}
	s.evictLocked()
	s.updateGauge()
	return id, nil
}

func (s *Spool) ringStore(b Batch) {
	if len(s.ring) >= memoryRingCap {
		dropped := s.ring[0]
		s.ring = s.ring[1:]
		s.dropped += int64(len(dropped.Points))
		if s.metrics != nil {
			s.metrics.Dropped.Add(float64(len(dropped.Points)))
		}
	}
	s.ring = append(s.ring, b)
}

// evictLocked drops oldest batches while over the size cap.
func (s *Spool) evictLocked() {
	if s.maxMB <= 0 {
		return
	}
	limit := s.maxMB * 1024 * 1024
	total := int64(0)
	for _, e := range s.entries {
		total += e.size
	}
	for total > limit && len(s.entries) > 0 {
		e := s.entries[0]
		s.entries = s.entries[1:]
		total -= e.size
		_ = os.Remove(e.path)
		s.dropped += e.points
		if s.metrics != nil {
			s.metrics.Dropped.Add(float64(e.points))
		}
		s.log.Warnw("spool over capacity, evicted oldest batch", "batch", e.id)
	}
}

// Sweep deletes batches older than the retention window.
func (s *Spool) Sweep(now time.Time) {
	if s.keep <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.keep)
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.mtime.Before(cutoff) {
			_ = os.Remove(e.path)
			s.dropped += e.points
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	s.updateGauge()
}

// Oldest returns up to n batches in replay order without removing them.
func (s *Spool) Oldest(n int) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		if n > len(s.ring) {
			n = len(s.ring)
		}
		out := make([]Batch, n)
		copy(out, s.ring[:n])
		return out, nil
	}

	var out []Batch
	for _, e := range s.entries {
		if len(out) >= n {
			break
		}
		data, err := os.ReadFile(e.path)
		if err != nil {
			s.log.Warnw("unreadable spool batch, skipping", "batch", e.id, "err", err)
			continue
		}
		var points []model.TelemetryPoint
		if err := json.Unmarshal(data, &points); err != nil {
			s.log.Warnw("corrupt spool batch, skipping", "batch", e.id, "err", err)
			continue
		}
		out = append(out, Batch{ID: e.id, Points: points})
	}
	return out, nil
}

// Acknowledge removes a delivered batch.
func (s *Spool) Acknowledge(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		for i, b := range s.ring {
			if b.ID == id {
				s.ring = append(s.ring[:i], s.ring[i+1:]...)
				return
			}
		}
		return
	}
	for i, e := range s.entries {
		if e.id == id {
			_ = os.Remove(e.path)
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.updateGauge()
}

// Pending reports batches, points and bytes currently held.
func (s *Spool) Pending() (batches int, points int64, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		for _, b := range s.ring {
			points += int64(len(b.Points))
		}
		return len(s.ring), points, 0
	}
	for _, e := range s.entries {
		points += e.points
		bytes += e.size
	}
	return len(s.entries), points, bytes
}

// Dropped is the lifetime count of points lost to eviction or overflow.
func (s *Spool) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Spool) updateGauge() {
	if s.metrics == nil {
		return
	}
	var bytes int64
	for _, e := range s.entries {
		bytes += e.size
	}
	s.metrics.SpoolBytes.Set(float64(bytes))
}
