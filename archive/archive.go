// Package archive persists the raw payload of every discovered tag in a
// Pebble key/value store, keyed by discovery time and payload hash. The scan
// history keeps only 20 entries; the archive is the durable overflow for
// later inspection, with TTL purges bounding its growth.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/zeebo/xxh3"
)

const (
	payloadPrefix = "t|"
	keySize       = len(payloadPrefix) + 16
)

var (
	errStoreClosed = errors.New("archive: store is closed")
	errInvalidKey  = errors.New("archive: invalid key encoding")
)

const (
	defaultCacheSizeBytes    = int64(8 << 20)
	defaultMemTableSizeBytes = uint64(4 << 20)
	defaultWriteQueueDepth   = 16
)

// Options controls Pebble tuning and writer buffering. Zero/negative fields
// are replaced with safe defaults.
type Options struct {
	CacheSizeBytes    int64
	MemTableSizeBytes uint64
	WriteQueueDepth   int
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.MemTableSizeBytes <= 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	if opts.WriteQueueDepth <= 0 {
		opts.WriteQueueDepth = defaultWriteQueueDepth
	}
	return opts
}

// Record is one archived payload.
type Record struct {
	At   time.Time
	Hash uint64
	Raw  []byte
}

// Store manages the Pebble database holding raw payloads. Writes are
// serialized through a single goroutine; reads go straight to Pebble.
type Store struct {
	db     *pebble.DB
	writes chan writeRequest
	done   chan struct{}
	cache  *pebble.Cache // owned cache; unref'd on Close

	mu     sync.Mutex
	closed bool
	count  atomic.Int64
}

type writeKind int

const (
	writePut writeKind = iota
	writePurge
)

type writeRequest struct {
	kind   writeKind
	key    []byte
	value  []byte
	cutoff time.Time
	resp   chan writeResult
}

type writeResult struct {
	removed int64
	err     error
}

// Open opens or creates the archive database and spins up the writer
// goroutine.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("archive: database path is empty")
	}
	opts = sanitizeOptions(opts)

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("archive: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("archive: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		Cache:        pebble.NewCache(opts.CacheSizeBytes),
		MemTableSize: opts.MemTableSizeBytes,
	}
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("archive: open: %w", err)
	}

	count, err := computeCount(db)
	if err != nil {
		_ = db.Close()
		pebbleOpts.Cache.Unref()
		return nil, err
	}

	store := &Store{
		db:     db,
		writes: make(chan writeRequest, opts.WriteQueueDepth),
		done:   make(chan struct{}),
		cache:  pebbleOpts.Cache,
	}
	store.count.Store(count)
	go store.writeLoop()
	return store, nil
}

// Close drains the writer goroutine before closing Pebble.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.closeWriter() {
		<-s.done
	}
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Put archives one raw payload under its discovery time and xxh3 hash.
func (s *Store) Put(ts time.Time, raw []byte) error {
	if s == nil || s.db == nil {
		return errors.New("archive: store is not initialized")
	}
	if len(raw) == 0 {
		return errors.New("archive: empty payload")
	}
	value := append([]byte(nil), raw...)
	resp := make(chan writeResult, 1)
	req := writeRequest{
		kind:  writePut,
		key:   payloadKey(ts, xxh3.Hash(raw)),
		value: value,
		resp:  resp,
	}
	if err := s.enqueue(req); err != nil {
		return err
	}
	result := <-resp
	return result.err
}

// Recent returns up to n archived payloads, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("archive: store is not initialized")
	}
	if n <= 0 {
		return nil, nil
	}
	iter, err := s.db.NewIter(iterOptions())
	if err != nil {
		return nil, fmt.Errorf("archive: recent iterator: %w", err)
	}
	defer iter.Close()

	var list []Record
	for ok := iter.Last(); ok && len(list) < n; ok = iter.Prev() {
		at, hash, err := parsePayloadKey(iter.Key())
		if err != nil {
			continue
		}
		list = append(list, Record{
			At:   at,
			Hash: hash,
			Raw:  append([]byte(nil), iter.Value()...),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("archive: iterate recent: %w", err)
	}
	return list, nil
}

// PurgeOlderThan deletes payloads discovered before the cutoff. Returns rows
// removed.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("archive: store is not initialized")
	}
	if cutoff.IsZero() {
		return 0, nil
	}
	resp := make(chan writeResult, 1)
	req := writeRequest{kind: writePurge, cutoff: cutoff, resp: resp}
	if err := s.enqueue(req); err != nil {
		return 0, err
	}
	result := <-resp
	return result.removed, result.err
}

// Count reports the number of archived payloads.
func (s *Store) Count() int64 {
	if s == nil {
		return 0
	}
	return s.count.Load()
}

func (s *Store) enqueue(req writeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	s.writes <- req
	return nil
}

func (s *Store) closeWriter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.writes)
	return true
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for req := range s.writes {
		result := writeResult{}
		switch req.kind {
		case writePut:
			result.err = s.applyPut(req.key, req.value)
		case writePurge:
			result.removed, result.err = s.applyPurge(req.cutoff)
		default:
			result.err = fmt.Errorf("archive: unknown write request")
		}
		if req.resp != nil {
			req.resp <- result
		}
	}
}

func (s *Store) applyPut(key, value []byte) error {
	_, closer, err := s.db.Get(key)
	exists := err == nil
	if exists {
		_ = closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("archive: get: %w", err)
	}
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("archive: set: %w", err)
	}
	if !exists {
		s.count.Add(1)
	}
	return nil
}

func (s *Store) applyPurge(cutoff time.Time) (int64, error) {
	upper := payloadKey(cutoff, 0)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(payloadPrefix),
		UpperBound: upper,
	})
	if err != nil {
		return 0, fmt.Errorf("archive: purge iterator: %w", err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	removed := int64(0)
	for iter.First(); iter.Valid(); iter.Next() {
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return 0, fmt.Errorf("archive: purge delete: %w", err)
		}
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("archive: purge iterate: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("archive: purge commit: %w", err)
	}
	s.count.Add(-removed)
	return removed, nil
}

func computeCount(db *pebble.DB) (int64, error) {
	iter, err := db.NewIter(iterOptions())
	if err != nil {
		return 0, fmt.Errorf("archive: count iterator: %w", err)
	}
	defer iter.Close()
	count := int64(0)
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("archive: count iterate: %w", err)
	}
	return count, nil
}

// payloadKey encodes prefix + big-endian nanos + big-endian hash so keys sort
// chronologically.
func payloadKey(ts time.Time, hash uint64) []byte {
	buf := make([]byte, keySize)
	copy(buf, payloadPrefix)
	binary.BigEndian.PutUint64(buf[len(payloadPrefix):], uint64(ts.UTC().UnixNano()))
	binary.BigEndian.PutUint64(buf[len(payloadPrefix)+8:], hash)
	return buf
}

func parsePayloadKey(key []byte) (time.Time, uint64, error) {
	if len(key) != keySize || !strings.HasPrefix(string(key), payloadPrefix) {
		return time.Time{}, 0, errInvalidKey
	}
	nanos := int64(binary.BigEndian.Uint64(key[len(payloadPrefix):]))
	hash := binary.BigEndian.Uint64(key[len(payloadPrefix)+8:])
	return time.Unix(0, nanos).UTC(), hash, nil
}

func iterOptions() *pebble.IterOptions {
	lower := []byte(payloadPrefix)
	upper := make([]byte, len(lower))
	copy(upper, lower)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}
