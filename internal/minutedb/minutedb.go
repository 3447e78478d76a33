// Package minutedb is the process-wide, in-memory cache of sealed
// minutes: an ordered map from logical id to an open Minute handle
// plus its bloom filter, kept current by a read-refresh loop and fed
// by a write-dispatch loop that shards incoming events across
// per-minute writer goroutines.
package minutedb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-co-op/gocron/v2"

	"github.com/cube-drone/logmunch/internal/telemetry"
	"github.com/cube-drone/logmunch/pkg/fileset"
	"github.com/cube-drone/logmunch/pkg/logging"
	"github.com/cube-drone/logmunch/pkg/minute"
	"github.com/cube-drone/logmunch/pkg/minuteid"
	"github.com/cube-drone/logmunch/pkg/searchtree"
)

// resultSoftMin and resultHardMax bound a fan-out search: once
// accumulated results pass the soft minimum no further minutes are
// scanned, and the final list is truncated to the hard maximum.
const (
	resultSoftMin = 30
	resultHardMax = 1000
)

// MaxWritesPerSecondPerThread is how many events one writer goroutine
// handles per dispatch tick before the buffer is split across another
// shard. A non-zero MaxWriteThreads limit takes precedence, so a
// capped dispatch can hand one goroutine more than this.
const MaxWritesPerSecondPerThread = 3000

type cachedMinute struct {
	handle *minute.Minute
	mu     sync.Mutex
}

// DB is the shared handle passed to both the ingestion producer and
// the search consumer at startup. It owns no ambient global state.
type DB struct {
	mu        sync.RWMutex
	minutes   map[minuteid.ID]*cachedMinute
	blooms    map[minuteid.ID]*bloom.BloomFilter
	sortedIDs []minuteid.ID

	dataDir  string
	nMinutes int

	machineID       string
	maxWriteThreads int

	ticketMu sync.Mutex
	tickets  map[minuteid.ID]struct{}

	scheduler gocron.Scheduler
}

// Config bundles the sizing knobs the dispatcher and refresher need.
type Config struct {
	DataDir         string
	NMinutes        int
	MachineID       string
	MaxWriteThreads int
}

func New(cfg Config) *DB {
	return &DB{
		minutes:         make(map[minuteid.ID]*cachedMinute),
		blooms:          make(map[minuteid.ID]*bloom.BloomFilter),
		dataDir:         cfg.DataDir,
		nMinutes:        cfg.NMinutes,
		machineID:       cfg.MachineID,
		maxWriteThreads: cfg.MaxWriteThreads,
		tickets:         make(map[minuteid.ID]struct{}),
	}
}

// Update replaces the cached set with newIDs: entries no longer in
// newIDs are dropped, and new entries are opened, checked for sealing
// (unsealed minutes are skipped — a later refresh will pick them up),
// and loaded into both maps. Logs an added/removed summary.
func (db *DB) Update(newIDs map[minuteid.ID]struct{}) {
	db.mu.Lock()
	defer db.mu.Unlock()

	removed := 0
	for key, cached := range db.minutes {
		if _, keep := newIDs[key]; !keep {
			cached.mu.Lock()
			cached.handle.Close()
			cached.mu.Unlock()
			delete(db.minutes, key)
			delete(db.blooms, key)
			removed++
		}
	}

	added := 0
	for key := range newIDs {
		if _, exists := db.minutes[key]; exists {
			continue
		}

		handle, err := minute.Open(key, db.dataDir)
		if err != nil {
			logging.Errorf("minutedb: open %s: %v", key, err)
			continue
		}

		sealed, err := handle.IsSealed()
		if err != nil {
			logging.Errorf("minutedb: check sealed %s: %v", key, err)
			handle.Close()
			continue
		}
		if !sealed {
			handle.Close()
			continue
		}

		bloomFilter, err := handle.GetBloomFilter()
		if err != nil {
			logging.Errorf("minutedb: load bloom %s: %v", key, err)
			handle.Close()
			continue
		}

		db.minutes[key] = &cachedMinute{handle: handle}
		db.blooms[key] = bloomFilter
		added++
	}

	db.rebuildSortedIDsLocked()
	telemetry.CachedMinutes.Set(float64(len(db.minutes)))
	logging.Infof("minutedb: update: %d removed, %d added, %d total", removed, added, len(db.minutes))
}

func (db *DB) rebuildSortedIDsLocked() {
	ids := make([]minuteid.ID, 0, len(db.minutes))
	for id := range db.minutes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	db.sortedIDs = ids
}

// ReadLoop starts a gocron job that reconciles the cache against disk
// every 10 seconds in singleton mode, so an overrunning scan is never
// allowed to overlap with the next one — it reschedules instead.
func (db *DB) ReadLoop(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("minutedb: create scheduler: %w", err)
	}
	db.scheduler = scheduler

	_, err = scheduler.NewJob(
		gocron.DurationJob(10*time.Second),
		gocron.NewTask(db.refreshOnce),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("minutedb: schedule read loop: %w", err)
	}

	scheduler.Start()
	go func() {
		<-ctx.Done()
		if err := scheduler.Shutdown(); err != nil {
			logging.Warnf("minutedb: scheduler shutdown: %v", err)
		}
	}()
	return nil
}

func (db *DB) refreshOnce() {
	start := time.Now()
	files, deleted, err := fileset.ScanAndClean(db.dataDir, db.nMinutes)
	if err != nil {
		logging.Errorf("minutedb: scan_and_clean: %v", err)
		return
	}
	if deleted > 0 {
		telemetry.MinutesDeleted.Add(float64(deleted))
	}

	newIDs := make(map[minuteid.ID]struct{}, len(files))
	for _, f := range files {
		newIDs[f.ToMinuteID()] = struct{}{}
	}
	db.Update(newIDs)

	if elapsed := time.Since(start); elapsed > 10*time.Second {
		logging.Warnf("minutedb: read refresh took %s, longer than its own interval", elapsed)
	}
}

// WriteLoop drains events off the channel once per second, partitions
// them across writer goroutines, joins them, and seals every ticket
// whose minute has fallen strictly into the past. Runs until ctx is
// cancelled.
func (db *DB) WriteLoop(ctx context.Context, events <-chan minute.Event) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			buffer := drain(events)
			if len(buffer) > 0 {
				db.dispatchWrite(buffer)
			}
			db.sealPastTickets(false)

			if elapsed := time.Since(start); elapsed > time.Second {
				logging.Warnf("minutedb: write dispatch tick took %s, longer than the 1s budget", elapsed)
			}
		}
	}
}

func drain(events <-chan minute.Event) []minute.Event {
	var buffer []minute.Event
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return buffer
			}
			buffer = append(buffer, e)
		default:
			return buffer
		}
	}
}

func (db *DB) dispatchWrite(buffer []minute.Event) {
	start := time.Now()
	telemetry.WriteBatchSize.Observe(float64(len(buffer)))
	defer func() { telemetry.WriteBatchDuration.Observe(time.Since(start).Seconds()) }()

	nThreads := (len(buffer) / MaxWritesPerSecondPerThread) + 1
	if db.maxWriteThreads > 0 && nThreads > db.maxWriteThreads {
		nThreads = db.maxWriteThreads
	}

	chunks := splitInto(buffer, nThreads)

	var wg sync.WaitGroup
	now := time.Now().Unix()
	for i, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		shardID := fmt.Sprintf("%s-%d", db.machineID, i)
		id := minuteid.FromUnixSeconds(now, shardID)
		db.registerTicket(id)

		wg.Add(1)
		go func(id minuteid.ID, chunk []minute.Event) {
			defer wg.Done()
			handle, err := minute.Open(id, db.dataDir)
			if err != nil {
				logging.Errorf("minutedb: open writer %s: %v", id, err)
				return
			}
			defer handle.Close()
			if err := handle.WriteSecond(chunk); err != nil {
				logging.Errorf("minutedb: write_second %s: %v", id, err)
			}
		}(id, chunk)
	}
	wg.Wait()
}

func splitInto(buffer []minute.Event, n int) [][]minute.Event {
	if n < 1 {
		n = 1
	}
	chunks := make([][]minute.Event, n)
	per := (len(buffer) + n - 1) / n
	if per < 1 {
		per = 1
	}
	for i := 0; i < n; i++ {
		lo := i * per
		if lo >= len(buffer) {
			break
		}
		hi := lo + per
		if hi > len(buffer) {
			hi = len(buffer)
		}
		chunks[i] = buffer[lo:hi]
	}
	return chunks
}

func (db *DB) registerTicket(id minuteid.ID) {
	db.ticketMu.Lock()
	db.tickets[id] = struct{}{}
	db.ticketMu.Unlock()
}

// sealPastTickets seals every ticket whose (day, hour, minute) is no
// longer current. When force is true, every tracked ticket is sealed
// unconditionally (used by ForceSeal, for tests).
func (db *DB) sealPastTickets(force bool) {
	now := time.Now().Unix()
	current := minuteid.FromUnixSeconds(now, "")

	db.ticketMu.Lock()
	ids := make([]minuteid.ID, 0, len(db.tickets))
	for id := range db.tickets {
		ids = append(ids, id)
	}
	db.ticketMu.Unlock()

	for _, id := range ids {
		if !force && id.Day == current.Day && id.Hour == current.Hour && id.Minute == current.Minute {
			continue
		}
		handle, err := minute.Open(id, db.dataDir)
		if err != nil {
			logging.Errorf("minutedb: open for seal %s: %v", id, err)
			continue
		}
		if sealed, err := handle.IsSealed(); err != nil {
			logging.Errorf("minutedb: check sealed %s: %v", id, err)
		} else if !sealed {
			if err := handle.Seal(); err != nil {
				logging.Errorf("minutedb: seal %s: %v", id, err)
			} else {
				telemetry.MinutesSealed.Inc()
			}
		}
		handle.Close()
	}
}

// ForceSeal seals every tracked ticket unconditionally. It exists for
// tests, to avoid waiting on real wall-clock minute boundaries.
func (db *DB) ForceSeal() {
	db.sealPastTickets(true)
}

// Search iterates cached blooms chronologically, bloom-probing each
// and only opening the handful of minutes that survive. It stops
// scanning once accumulated results pass resultSoftMin and truncates
// the final list to resultHardMax.
func (db *DB) Search(search *searchtree.Search) []minute.Log {
	start := time.Now()
	defer func() { telemetry.SearchDuration.Observe(time.Since(start).Seconds()) }()

	db.mu.RLock()
	ids := append([]minuteid.ID(nil), db.sortedIDs...)
	blooms := make(map[minuteid.ID]*bloom.BloomFilter, len(db.blooms))
	for k, v := range db.blooms {
		blooms[k] = v
	}
	minutes := make(map[minuteid.ID]*cachedMinute, len(db.minutes))
	for k, v := range db.minutes {
		minutes[k] = v
	}
	db.mu.RUnlock()

	var results []minute.Log
	for _, id := range ids {
		bloomFilter, ok := blooms[id]
		if !ok || !search.BloomTest(bloomFilter) {
			continue
		}
		cached, ok := minutes[id]
		if !ok {
			continue
		}

		cached.mu.Lock()
		hits, err := cached.handle.Search(search)
		cached.mu.Unlock()
		if err != nil {
			logging.Errorf("minutedb: search %s: %v", id, err)
			continue
		}

		results = append(results, hits...)
		if len(results) > resultSoftMin {
			break
		}
	}

	if len(results) > resultHardMax {
		results = results[:resultHardMax]
	}
	telemetry.SearchResultsReturned.Observe(float64(len(results)))
	return results
}

// SearchAsync offloads Search onto a background goroutine so the
// calling request handler is never blocked on storage I/O.
func (db *DB) SearchAsync(ctx context.Context, search *searchtree.Search) <-chan []minute.Log {
	out := make(chan []minute.Log, 1)
	go func() {
		defer close(out)
		select {
		case out <- db.Search(search):
		case <-ctx.Done():
		}
	}()
	return out
}

// Close releases every cached minute handle. Intended for shutdown.
func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id, cached := range db.minutes {
		cached.handle.Close()
		delete(db.minutes, id)
		delete(db.blooms, id)
	}
	db.sortedIDs = nil
}
