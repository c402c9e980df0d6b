// Package metrics tracks editing and persistence counters for a manager.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics tracks history and save point activity.
// All methods are safe for concurrent use; a nil *Metrics discards records.
type Metrics struct {
	// History activity
	edits    atomic.Uint64
	noops    atomic.Uint64
	undos    atomic.Uint64
	redos    atomic.Uint64
	restores atomic.Uint64

	// Save points
	saves       atomic.Uint64
	failedSaves atomic.Uint64
	queuedSaves atomic.Uint64
	saveTotalNs atomic.Int64
	saveMinNs   atomic.Int64
	saveMaxNs   atomic.Int64
	lastSaveNs  atomic.Int64

	startTime atomic.Int64
}

// New creates a new metrics tracker.
func New() *Metrics {
	m := &Metrics{}
	// Initialize min to max int64 so the first save will be smaller
	m.saveMinNs.Store(1<<63 - 1)
	m.startTime.Store(time.Now().UnixNano())
	return m
}

// RecordEdit records a committed edit.
func (m *Metrics) RecordEdit() {
	if m != nil {
		m.edits.Add(1)
	}
}

// RecordNoOp records an edit suppressed because it matched the present.
func (m *Metrics) RecordNoOp() {
	if m != nil {
		m.noops.Add(1)
	}
}

// RecordUndo records an undo step.
func (m *Metrics) RecordUndo() {
	if m != nil {
		m.undos.Add(1)
	}
}

// RecordRedo records a redo step.
func (m *Metrics) RecordRedo() {
	if m != nil {
		m.redos.Add(1)
	}
}

// RecordRestore records a restored version.
func (m *Metrics) RecordRestore() {
	if m != nil {
		m.restores.Add(1)
	}
}

// RecordQueuedSave records a save deferred behind an in-flight save.
func (m *Metrics) RecordQueuedSave() {
	if m != nil {
		m.queuedSaves.Add(1)
	}
}

// RecordSave records a completed save attempt and its duration.
func (m *Metrics) RecordSave(duration time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.failedSaves.Add(1)
		return
	}

	ns := duration.Nanoseconds()
	m.saves.Add(1)
	m.saveTotalNs.Add(ns)
	m.lastSaveNs.Store(ns)

	// Update min (atomic compare-and-swap loop)
	for {
		old := m.saveMinNs.Load()
		if ns >= old {
			break
		}
		if m.saveMinNs.CompareAndSwap(old, ns) {
			break
		}
	}

	// Update max (atomic compare-and-swap loop)
	for {
		old := m.saveMaxNs.Load()
		if ns <= old {
			break
		}
		if m.saveMaxNs.CompareAndSwap(old, ns) {
			break
		}
	}
}

// Snapshot returns a point-in-time view of the metrics.
func (m *Metrics) Snapshot() Stats {
	if m == nil {
		return Stats{}
	}

	saves := m.saves.Load()
	var avgSaveNs int64
	if saves > 0 {
		avgSaveNs = m.saveTotalNs.Load() / int64(saves)
	}

	minSaveNs := m.saveMinNs.Load()
	if minSaveNs == 1<<63-1 {
		minSaveNs = 0
	}

	return Stats{
		Uptime:      time.Since(time.Unix(0, m.startTime.Load())),
		Edits:       m.edits.Load(),
		NoOps:       m.noops.Load(),
		Undos:       m.undos.Load(),
		Redos:       m.redos.Load(),
		Restores:    m.restores.Load(),
		Saves:       saves,
		FailedSaves: m.failedSaves.Load(),
		QueuedSaves: m.queuedSaves.Load(),
		AvgSaveNs:   avgSaveNs,
		MinSaveNs:   minSaveNs,
		MaxSaveNs:   m.saveMaxNs.Load(),
		LastSaveNs:  m.lastSaveNs.Load(),
	}
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.edits.Store(0)
	m.noops.Store(0)
	m.undos.Store(0)
	m.redos.Store(0)
	m.restores.Store(0)
	m.saves.Store(0)
	m.failedSaves.Store(0)
	m.queuedSaves.Store(0)
	m.saveTotalNs.Store(0)
	m.saveMinNs.Store(1<<63 - 1)
	m.saveMaxNs.Store(0)
	m.lastSaveNs.Store(0)
	m.startTime.Store(time.Now().UnixNano())
}

// Stats is a point-in-time view of metrics.
type Stats struct {
	Uptime      time.Duration
	Edits       uint64
	NoOps       uint64
	Undos       uint64
	Redos       uint64
	Restores    uint64
	Saves       uint64
	FailedSaves uint64
	QueuedSaves uint64
	AvgSaveNs   int64
	MinSaveNs   int64
	MaxSaveNs   int64
	LastSaveNs  int64
}
