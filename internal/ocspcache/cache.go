// Package ocspcache keeps the latest OCSP response per certificate, persisted
// in a Pebble store so that revocation checks need no network access.
//
// Readers work on an immutable snapshot swapped in atomically after every
// write, so they never block and never observe a half-written entry. Writers
// for the same fingerprint are serialized by striped locks.
package ocspcache

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/remiblancher/sigtrust/internal/ocsp"
)

const (
	keyPrefix = "ocsp/"
	stripes   = 64
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("ocsp cache closed")

// Entry is the cached revocation state of one certificate.
type Entry struct {
	Fingerprint string
	Subject     string
	Response    []byte // DER OCSP response
	FetchedAt   time.Time
	NextFetch   time.Time
	ThisUpdate  time.Time
	NextUpdate  time.Time
	Status      ocsp.CertStatus
	// Stale is set when the entry was loaded from disk with nextUpdate
	// already in the past.
	Stale bool
}

// Expired reports whether the response is past its nextUpdate at t.
func (e Entry) Expired(t time.Time) bool {
	return !e.NextUpdate.IsZero() && t.After(e.NextUpdate)
}

// record is the on-disk CBOR form of an Entry.
type record struct {
	Subject    string          `cbor:"1,keyasint,omitempty"`
	Response   []byte          `cbor:"2,keyasint"`
	FetchedAt  time.Time       `cbor:"3,keyasint"`
	NextFetch  time.Time       `cbor:"4,keyasint"`
	ThisUpdate time.Time       `cbor:"5,keyasint"`
	NextUpdate time.Time       `cbor:"6,keyasint"`
	Status     ocsp.CertStatus `cbor:"7,keyasint"`
}

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Fingerprint returns the cache key of cert: hex SHA-256 of its DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Config configures a Cache.
type Config struct {
	// Dir is the Pebble directory. Empty keeps the store in memory.
	Dir    string
	Logger *zap.Logger
	Now    func() time.Time
}

// Cache is a persistent, concurrently readable OCSP response cache.
type Cache struct {
	db     *pebble.DB
	snap   atomic.Pointer[map[string]Entry]
	locks  [stripes]sync.Mutex
	closed atomic.Bool
	logger *zap.Logger
	now    func() time.Time
}

// Open opens or creates the cache and loads every stored entry.
func Open(cfg Config) (*Cache, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(8 << 20),
		MemTableSize: 4 << 20,
	}
	defer opts.Cache.Unref()
	dir := cfg.Dir
	if dir == "" {
		opts.FS = vfs.NewMem()
		dir = "ocspcache"
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open OCSP cache at %s: %w", dir, err)
	}

	c := &Cache{db: db, logger: cfg.Logger, now: cfg.Now}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if err := c.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) load() error {
	now := c.now()
	m := make(map[string]Entry)
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: prefixUpperBound([]byte(keyPrefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	stale := 0
	for iter.First(); iter.Valid(); iter.Next() {
		fp := string(iter.Key()[len(keyPrefix):])
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		var rec record
		if err := cbor.Unmarshal(value, &rec); err != nil {
			c.logger.Warn("skipping undecodable OCSP cache entry", zap.String("fingerprint", fp), zap.Error(err))
			continue
		}
		e := rec.entry(fp)
		if e.Expired(now) {
			e.Stale = true
			stale++
		}
		m[fp] = e
	}
	if err := iter.Error(); err != nil {
		return err
	}
	c.snap.Store(&m)
	c.logger.Info("loaded OCSP cache", zap.Int("entries", len(m)), zap.Int("stale", stale))
	return nil
}

func (r record) entry(fp string) Entry {
	return Entry{
		Fingerprint: fp,
		Subject:     r.Subject,
		Response:    r.Response,
		FetchedAt:   r.FetchedAt,
		NextFetch:   r.NextFetch,
		ThisUpdate:  r.ThisUpdate,
		NextUpdate:  r.NextUpdate,
		Status:      r.Status,
	}
}

// Get returns the entry for fp from the current snapshot.
func (c *Cache) Get(fp string) (Entry, bool) {
	e, ok := (*c.snap.Load())[fp]
	return e, ok
}

// Put stores der for fp. The status and validity summary come from the
// first single response; responses covering several certificates should
// be stored with PutEntry.
func (c *Cache) Put(fp string, der []byte, fetchedAt time.Time) error {
	resp, err := ocsp.Parse(der)
	if err != nil {
		return fmt.Errorf("refusing to cache unparseable response: %w", err)
	}
	st, err := resp.Data.Responses[0].Status()
	if err != nil {
		return fmt.Errorf("refusing to cache response: %w", err)
	}
	return c.PutEntry(Entry{
		Fingerprint: fp,
		Response:    der,
		FetchedAt:   fetchedAt,
		ThisUpdate:  st.ThisUpdate,
		NextUpdate:  st.NextUpdate,
		Status:      st.Status,
	})
}

// PutEntry stores e under e.Fingerprint, replacing any previous entry. The
// disk write completes before the entry becomes visible.
func (c *Cache) PutEntry(e Entry) error {
	if e.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if len(e.Response) == 0 {
		return errors.New("response is required")
	}
	e.Response = append([]byte(nil), e.Response...)
	e.Stale = false

	value, err := encMode.Marshal(record{
		Subject:    e.Subject,
		Response:   e.Response,
		FetchedAt:  e.FetchedAt.UTC(),
		NextFetch:  e.NextFetch.UTC(),
		ThisUpdate: e.ThisUpdate.UTC(),
		NextUpdate: e.NextUpdate.UTC(),
		Status:     e.Status,
	})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	mu := c.lock(e.Fingerprint)
	mu.Lock()
	defer mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	if err := c.db.Set([]byte(keyPrefix+e.Fingerprint), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	c.swap(func(m map[string]Entry) { m[e.Fingerprint] = e })
	return nil
}

// Evict removes fp.
func (c *Cache) Evict(fp string) error {
	mu := c.lock(fp)
	mu.Lock()
	defer mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	if err := c.db.Delete([]byte(keyPrefix+fp), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	c.swap(func(m map[string]Entry) { delete(m, fp) })
	return nil
}

// swap publishes a modified copy of the current snapshot.
func (c *Cache) swap(mutate func(map[string]Entry)) {
	for {
		old := c.snap.Load()
		next := make(map[string]Entry, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		mutate(next)
		if c.snap.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (c *Cache) lock(fp string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return &c.locks[h.Sum32()%stripes]
}

// Snapshot returns an immutable view of the cache.
func (c *Cache) Snapshot() Snapshot {
	return Snapshot{m: *c.snap.Load()}
}

// SnapshotAll returns every entry ordered by fingerprint.
func (c *Cache) SnapshotAll() []Entry {
	return c.Snapshot().All()
}

// Close closes the store. Reads keep working on the last snapshot.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for i := range c.locks {
		c.locks[i].Lock()
	}
	defer func() {
		for i := range c.locks {
			c.locks[i].Unlock()
		}
	}()
	return c.db.Close()
}

// Snapshot is a point-in-time view of the cache.
type Snapshot struct {
	m map[string]Entry
}

// Get returns the entry for fp.
func (s Snapshot) Get(fp string) (Entry, bool) {
	e, ok := s.m[fp]
	return e, ok
}

// Len returns the number of entries.
func (s Snapshot) Len() int { return len(s.m) }

// All returns the entries ordered by fingerprint.
func (s Snapshot) All() []Entry {
	out := make([]Entry, 0, len(s.m))
	for _, e := range s.m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// ForCertificate returns the entry for cert.
func (s Snapshot) ForCertificate(cert *x509.Certificate) (Entry, bool) {
	return s.Get(Fingerprint(cert))
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}
	return nil
}
