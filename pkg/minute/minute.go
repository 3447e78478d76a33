// Package minute implements the per-minute, per-shard embedded store:
// an append-only log of events plus a derived trigram fragment index,
// which seals once into a read-optimized form carrying a serialized
// bloom filter of every fragment it ever saw.
package minute

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/jmoiron/sqlx"

	"github.com/cube-drone/logmunch/pkg/fragment"
	"github.com/cube-drone/logmunch/pkg/logging"
	"github.com/cube-drone/logmunch/pkg/minuteid"
	"github.com/cube-drone/logmunch/pkg/searchtree"
)

// bloomCapacity and bloomFalsePositiveRate size the bloom filter built
// at seal time. ~10^6 elements comfortably covers a busy minute's
// distinct fragment count.
const (
	bloomCapacity          = 1_000_000
	bloomFalsePositiveRate = 0.01

	// maxWritesPerSecondPerThread is mirrored here only as the default
	// chunk size a dispatcher should use; Minute itself has no notion
	// of threads.
	maxWritesPerSecondPerThread = 3000
)

var sq = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)

const (
	createLogTable = `CREATE TABLE IF NOT EXISTS log (
		id INTEGER PRIMARY KEY,
		batch INTEGER,
		message TEXT NOT NULL,
		host TEXT NOT NULL,
		host_time INTEGER NOT NULL
	)`

	createFragmentsTable = `CREATE TABLE IF NOT EXISTS search_fragments (
		id INTEGER PRIMARY KEY,
		batch INTEGER,
		fragment TEXT
	)`

	createBloomTable = `CREATE TABLE IF NOT EXISTS bloom (
		id INTEGER PRIMARY KEY,
		blob BLOB
	)`

	indexLogHostTime   = `CREATE INDEX IF NOT EXISTS log_host_time ON log (host_time)`
	indexLogHost       = `CREATE INDEX IF NOT EXISTS log_host ON log (host)`
	indexLogBatch      = `CREATE INDEX IF NOT EXISTS log_batch ON log (batch)`
	indexFragment      = `CREATE INDEX IF NOT EXISTS search_fragments_fragment ON search_fragments (fragment)`
	indexFragmentBatch = `CREATE INDEX IF NOT EXISTS search_fragments_fragment_batch ON search_fragments (fragment, batch)`
)

// Event is one ingested log line, host-tagged and timestamped by the
// collector, not yet assigned an id.
type Event struct {
	Message  string
	Host     string
	HostTime int64 // microseconds since Unix epoch
}

// SizeBytes is the accounting unit used for retention/ram budgeting.
func (e Event) SizeBytes() int {
	return len(e.Message) + len(e.Host) + 8
}

// Log is a stored, queryable row returned from Search.
type Log struct {
	ID      int64
	Message string
	Host    string
	Time    int64
}

// Minute is a handle to one (day, hour, minute, shard) sqlite file.
// WriteSecond, Seal, IsSealed, GetBloomFilter and Search each hold the
// handle's own mutex, so calls on one handle are serialized; separate
// handles opened on the same file are not coordinated with each other.
type Minute struct {
	id  minuteid.ID
	db  *sqlx.DB
	mu  sync.Mutex
	dir string
}

// Open creates the shard's enclosing directory if needed, opens (or
// creates) its sqlite file, sets WAL/synchronous pragmas, and ensures
// all three tables exist. Reopening an already-sealed minute yields a
// read-capable handle; opening never writes to an existing bloom row.
func Open(id minuteid.ID, dataDir string) (*Minute, error) {
	registerDriver()

	dir := filepath.Join(dataDir, fmt.Sprint(id.Day), fmt.Sprint(id.Hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("minute: create dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d-%s.db", id.Minute, id.ShardID))
	db, err := sqlx.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("minute: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("minute: set journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("minute: set synchronous: %w", err)
	}

	for _, stmt := range []string{createLogTable, createFragmentsTable, createBloomTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("minute: create schema: %w", err)
		}
	}

	return &Minute{id: id, db: db, dir: dir}, nil
}

func (m *Minute) ID() minuteid.ID { return m.id }

func (m *Minute) Close() error {
	return m.db.Close()
}

// WriteSecond begins one transaction, inserts every event (computing
// id = batch_ms*10^6 + sequence), extracts the union of fragments
// across all messages plus each event's host verbatim, inserts the
// distinct fragments tagged with the same batch, and commits. On
// failure the transaction is rolled back and the error returned. Calls
// on one handle are serialized by the handle's mutex.
func (m *Minute) WriteSecond(events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	tx, err := m.db.Beginx()
	if err != nil {
		return fmt.Errorf("minute: begin transaction: %w", err)
	}
	defer tx.Rollback()

	// squirrel.Expr("?") as a column value emits the placeholder itself
	// rather than a bound argument, so this builds the INSERT's SQL
	// text once and the loop below supplies real args to tx.Exec.
	insertLog, _, err := sq.Insert("log").Columns("id", "batch", "message", "host", "host_time").
		Values(squirrel.Expr("?"), squirrel.Expr("?"), squirrel.Expr("?"), squirrel.Expr("?"), squirrel.Expr("?")).ToSql()
	if err != nil {
		return fmt.Errorf("minute: build insert: %w", err)
	}

	batch := time.Now().UnixMilli()
	fragments := make(map[string]struct{})
	var sequence int64

	for _, event := range events {
		fragment.Explode(fragments, event.Message)
		fragments[event.Host] = struct{}{}

		id := batch*1_000_000 + sequence
		sequence++

		if _, err := tx.Exec(insertLog, id, batch, event.Message, event.Host, event.HostTime); err != nil {
			return fmt.Errorf("minute: insert log row: %w", err)
		}
	}

	insertFragment, _, err := sq.Insert("search_fragments").Columns("id", "batch", "fragment").
		Values(squirrel.Expr("?"), squirrel.Expr("?"), squirrel.Expr("?")).ToSql()
	if err != nil {
		return fmt.Errorf("minute: build fragment insert: %w", err)
	}

	for frag := range fragments {
		id := batch*1_000_000 + sequence
		sequence++
		if _, err := tx.Exec(insertFragment, id, batch, frag); err != nil {
			return fmt.Errorf("minute: insert fragment row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("minute: commit: %w", err)
	}
	return nil
}

// Seal creates the secondary indexes, builds the bloom filter from
// every distinct fragment in the minute, persists it as a single blob
// keyed by a microsecond timestamp, and vacuums the file. Seal refuses
// to run twice: if the minute is already sealed this logs a warning
// and returns nil rather than inserting a second bloom row.
func (m *Minute) Seal() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sealed, err := m.isSealedLocked()
	if err != nil {
		return err
	}
	if sealed {
		logging.Warnf("minute %s: already sealed, refusing to re-seal", m.id)
		return nil
	}

	for _, stmt := range []string{indexLogHostTime, indexLogHost, indexLogBatch, indexFragment, indexFragmentBatch} {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("minute: create index: %w", err)
		}
	}

	filter, err := m.buildBloomFilter()
	if err != nil {
		return fmt.Errorf("minute: build bloom filter: %w", err)
	}

	blob, err := filter.GobEncode()
	if err != nil {
		return fmt.Errorf("minute: encode bloom filter: %w", err)
	}
	logging.Debugf("minute %s: bloom filter size %d bytes", m.id, len(blob))

	insertBloom, _, err := sq.Insert("bloom").Columns("id", "blob").
		Values(squirrel.Expr("?"), squirrel.Expr("?")).ToSql()
	if err != nil {
		return fmt.Errorf("minute: build bloom insert: %w", err)
	}
	if _, err := m.db.Exec(insertBloom, time.Now().UnixMicro(), blob); err != nil {
		return fmt.Errorf("minute: insert bloom row: %w", err)
	}

	if _, err := m.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("minute: vacuum: %w", err)
	}

	return nil
}

func (m *Minute) buildBloomFilter() (*bloom.BloomFilter, error) {
	filter := bloom.NewWithEstimates(bloomCapacity, bloomFalsePositiveRate)

	rows, err := m.db.Query(`SELECT DISTINCT fragment FROM search_fragments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var frag string
		if err := rows.Scan(&frag); err != nil {
			return nil, err
		}
		filter.AddString(frag)
	}
	return filter, rows.Err()
}

// IsSealed reports whether the bloom table has at least one row.
func (m *Minute) IsSealed() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSealedLocked()
}

func (m *Minute) isSealedLocked() (bool, error) {
	var count int
	if err := m.db.Get(&count, `SELECT COUNT(*) FROM bloom`); err != nil {
		return false, fmt.Errorf("minute: check sealed: %w", err)
	}
	return count > 0, nil
}

// GetBloomFilter returns the oldest-id bloom row, deserialized. Fails
// if the minute is unsealed.
func (m *Minute) GetBloomFilter() (*bloom.BloomFilter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var blob []byte
	if err := m.db.Get(&blob, `SELECT blob FROM bloom ORDER BY id ASC LIMIT 1`); err != nil {
		return nil, fmt.Errorf("minute %s: not sealed: %w", m.id, err)
	}

	filter := &bloom.BloomFilter{}
	if err := filter.GobDecode(blob); err != nil {
		return nil, fmt.Errorf("minute %s: decode bloom filter: %w", m.id, err)
	}
	return filter, nil
}

// Search runs a parsed query against this shard:
//  1. enumerate distinct batches
//  2. for each, lambda_test against the per-batch fragment index to
//     disqualify batches cheaply before touching row data
//  3. for surviving batches, load rows and re-test "<host> <message>"
//     with the exact evaluator
func (m *Minute) Search(search *searchtree.Search) ([]Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var batches []int64
	if err := m.db.Select(&batches, `SELECT DISTINCT batch FROM log`); err != nil {
		return nil, fmt.Errorf("minute %s: list batches: %w", m.id, err)
	}

	var results []Log
	for _, batchID := range batches {
		if !search.LambdaTest(m.batchContainsFragments(batchID)) {
			continue
		}

		type row struct {
			ID       int64  `db:"id"`
			Message  string `db:"message"`
			Host     string `db:"host"`
			HostTime int64  `db:"host_time"`
		}
		var rows []row
		if err := m.db.Select(&rows, `SELECT id, message, host, host_time FROM log WHERE batch = ?`, batchID); err != nil {
			return nil, fmt.Errorf("minute %s: select batch %d: %w", m.id, batchID, err)
		}

		for _, r := range rows {
			if search.Test(r.Host + " " + r.Message) {
				results = append(results, Log{ID: r.ID, Message: r.Message, Host: r.Host, Time: r.HostTime})
			}
		}
	}

	return results, nil
}

// batchContainsFragments returns a lambda_test predicate bound to one
// batch: it holds iff every trigram in the given set has at least one
// matching row in search_fragments for that batch, short-circuiting on
// the first miss.
func (m *Minute) batchContainsFragments(batchID int64) func(map[string]struct{}) bool {
	return func(trigrams map[string]struct{}) bool {
		for trigram := range trigrams {
			var count int
			if err := m.db.Get(&count, `SELECT COUNT(*) FROM search_fragments WHERE batch = ? AND fragment = ?`, batchID, trigram); err != nil {
				logging.Errorf("minute %s: fragment probe batch=%d fragment=%q: %v", m.id, batchID, trigram, err)
				return false
			}
			if count == 0 {
				return false
			}
		}
		return true
	}
}
