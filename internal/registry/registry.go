// Package registry keeps the bounded, persisted lists of clients seen by the
// honeypot and decides when a client qualifies for the whitelist.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/honeypot/internal/fileutil"
)

// Eviction reasons reported to the Observer.
const (
	ReasonCapacity = "capacity"
	ReasonExpired  = "expired"
)

// snapshotPerm is the file mode used for snapshot files. Other processes
// consult them, so they are world readable.
const snapshotPerm = 0644

// Config holds the bounds and storage location of one registry.
type Config struct {
	// Name identifies the list in logs and metrics ("black", "white").
	Name string

	// Path is the snapshot file. Empty disables persistence.
	Path string

	// MaxEntries is the capacity; when reached, Add evicts the
	// oldest-inserted record.
	MaxEntries int

	// MaxSequenceLength bounds the Ports of each record.
	MaxSequenceLength int

	// PenaltyTimespan is the age at which a record is evicted.
	PenaltyTimespan time.Duration
}

// Observer receives notifications about registry changes.
// Implementations must not call back into the registry.
type Observer interface {
	// Evicted is called when count records were dropped for reason.
	Evicted(list, reason string, count int)
	// Resized is called with the current number of entries after a change.
	Resized(list string, entries int)
	// SnapshotFailed is called when a snapshot could not be written.
	SnapshotFailed(list string, err error)
}

type nopObserver struct{}

func (nopObserver) Evicted(string, string, int)  {}
func (nopObserver) Resized(string, int)          {}
func (nopObserver) SnapshotFailed(string, error) {}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithObserver sets the observer notified about evictions and write errors.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// Registry is an ordered collection of client records, at most one per
// address, kept in insertion order.
//
// Every operation runs under the registry lock, including Persist, so a
// snapshot always reflects a state between two complete operations. Records
// returned by Find and Add are live: callers that hold them across calls must
// serialize their own read-modify-write sequences (the honeypot server does
// so with its mutation lock).
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	records  []*ClientRecord
	logger   *slog.Logger
	now      func() time.Time
	observer Observer
}

// New creates an empty registry. Call Load to restore a previous snapshot.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		cfg:      cfg,
		logger:   logger.With("list", cfg.Name),
		now:      time.Now,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the list name.
func (r *Registry) Name() string {
	return r.cfg.Name
}

// Path returns the snapshot file path (empty when persistence is disabled).
func (r *Registry) Path() string {
	return r.cfg.Path
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Records returns a deep copy of all records in insertion order.
func (r *Registry) Records() []ClientRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ClientRecord, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.clone()
	}
	return out
}

// Find returns the record for addr, or nil if there is none.
func (r *Registry) Find(addr string) *ClientRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexLocked(addr); i >= 0 {
		return r.records[i]
	}
	return nil
}

// FindAndRemove removes the record for addr and reports whether one existed.
func (r *Registry) FindAndRemove(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(addr)
	if i < 0 {
		return false
	}
	r.records = append(r.records[:i], r.records[i+1:]...)
	r.observer.Resized(r.cfg.Name, len(r.records))
	return true
}

// Add creates a record for addr with a single attempt on port.
// When the registry is full the oldest-inserted record is evicted first,
// regardless of when it was last seen. The caller is responsible for
// looking up addr before adding.
func (r *Registry) Add(addr string, port int) *ClientRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for r.cfg.MaxEntries > 0 && len(r.records) >= r.cfg.MaxEntries {
		r.records[0] = nil
		r.records = r.records[1:]
		evicted++
	}
	if evicted > 0 {
		r.observer.Evicted(r.cfg.Name, ReasonCapacity, evicted)
	}

	rec := &ClientRecord{
		Addr:     addr,
		LastSeen: r.stampLocked(),
		Ports:    []int{port},
		Count:    1,
	}
	r.records = append(r.records, rec)
	r.observer.Resized(r.cfg.Name, len(r.records))
	return rec
}

// Update registers one more attempt on port for rec, in place.
func (r *Registry) Update(rec *ClientRecord, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.LastSeen = r.stampLocked()
	rec.Count++
	rec.Ports = append(rec.Ports, port)
	rec.Ports = trimPorts(rec.Ports, r.cfg.MaxSequenceLength)
}

// EvictExpired removes every record last seen maxAge or longer ago and
// returns how many were removed. A maxAge of zero or less means the
// configured penalty timespan. A snapshot is written only if something was
// removed, so calling it repeatedly without intervening changes is free.
func (r *Registry) EvictExpired(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.evictExpiredLocked(maxAge)
	if removed > 0 {
		r.persistLocked()
	}
	return removed
}

// Persist writes the full collection to the snapshot file, replacing the
// previous one. It blocks until the file is on disk. A failure is logged and
// reported to the observer; the in-memory state is kept and the next
// Persist retries.
func (r *Registry) Persist() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistLocked()
}

// Load replaces the in-memory collection with the snapshot on disk.
// A missing or unreadable snapshot is logged and leaves the registry empty.
// Loaded records are trimmed to the configured bounds and expired ones are
// evicted right away.
func (r *Registry) Load() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = nil
	if r.cfg.Path == "" {
		return
	}

	loaded, err := ReadSnapshot(r.cfg.Path)
	switch {
	case IsNotExist(err):
		r.logger.Info("snapshot_missing",
			"path", r.cfg.Path,
		)
		return
	case err != nil:
		r.logger.Error("snapshot_load_error",
			"path", r.cfg.Path,
			"error", err,
		)
		return
	}

	changed := false
	seen := make(map[string]bool, len(loaded))
	for i := range loaded {
		rec := loaded[i]
		if seen[rec.Addr] {
			changed = true
			continue
		}
		seen[rec.Addr] = true

		if trimmed := trimPorts(rec.Ports, r.cfg.MaxSequenceLength); len(trimmed) != len(rec.Ports) {
			rec.Ports = trimmed
			changed = true
		}
		r.records = append(r.records, &rec)
	}
	if over := len(r.records) - r.cfg.MaxEntries; r.cfg.MaxEntries > 0 && over > 0 {
		r.records = r.records[over:]
		r.observer.Evicted(r.cfg.Name, ReasonCapacity, over)
		changed = true
	}

	r.logger.Info("snapshot_loaded",
		"path", r.cfg.Path,
		"entries", len(r.records),
	)

	if r.evictExpiredLocked(0) > 0 {
		changed = true
	}
	r.observer.Resized(r.cfg.Name, len(r.records))
	if changed {
		r.persistLocked()
	}
}

func (r *Registry) indexLocked(addr string) int {
	for i, rec := range r.records {
		if rec.Addr == addr {
			return i
		}
	}
	return -1
}

// stampLocked returns the current time at snapshot (millisecond) precision,
// so records survive a save and load unchanged.
func (r *Registry) stampLocked() time.Time {
	return time.UnixMilli(r.now().UnixMilli())
}

func (r *Registry) evictExpiredLocked(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = r.cfg.PenaltyTimespan
	}
	if maxAge <= 0 {
		return 0
	}

	now := r.now()
	kept := r.records[:0]
	for _, rec := range r.records {
		if rec.Age(now) < maxAge {
			kept = append(kept, rec)
		}
	}
	removed := len(r.records) - len(kept)
	for i := len(kept); i < len(r.records); i++ {
		r.records[i] = nil
	}
	r.records = kept

	if removed > 0 {
		r.observer.Evicted(r.cfg.Name, ReasonExpired, removed)
		r.observer.Resized(r.cfg.Name, len(r.records))
		r.logger.Debug("records_expired",
			"removed", removed,
			"remaining", len(r.records),
		)
	}
	return removed
}

func (r *Registry) persistLocked() {
	if r.cfg.Path == "" {
		return
	}

	snapshot := r.records
	if snapshot == nil {
		snapshot = []*ClientRecord{}
	}
	if err := fileutil.WriteJSONAtomic(r.cfg.Path, snapshot, snapshotPerm); err != nil {
		r.logger.Error("snapshot_write_error",
			"path", r.cfg.Path,
			"entries", len(r.records),
			"error", err,
		)
		r.observer.SnapshotFailed(r.cfg.Name, err)
	}
}

// trimPorts drops the oldest ports so that at most limit remain.
// A limit of zero or less leaves ports unbounded.
func trimPorts(ports []int, limit int) []int {
	if limit <= 0 || len(ports) <= limit {
		return ports
	}
	return append([]int(nil), ports[len(ports)-limit:]...)
}
