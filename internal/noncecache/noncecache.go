// Package noncecache implements the replay-guard set shared by every
// inbound and outbound handshake on a node: once a nonce has been seen,
// re-presenting it is rejected, even across unrelated connections.
package noncecache

import (
	"bufio"
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCapacity and DefaultTTL mirror the teacher's bounded-disk-log
// defaults (core/storage.go's diskLRU), sized per the magic numbers
// named for this cache.
const (
	DefaultCapacity = 100_000
	DefaultTTL      = 3600 * time.Second
)

// ErrReplay is returned by Insert when the nonce has already been seen
// and has not yet expired.
var ErrReplay = errors.New("noncecache: nonce already seen (replay)")

type entry struct {
	nonce     string
	insertedAt time.Time
}

// Cache is a bounded, TTL-expiring, disk-persisted set of nonces. It is
// safe for concurrent use; Insert is atomic with respect to concurrent
// callers, matching the handshake engine's need to check nonces from
// both inbound and outbound connections at once.
type Cache struct {
	log *logrus.Logger

	mu       sync.Mutex
	capacity int
	ttl      time.Duration

	index map[string]*list.Element // nonce -> element in order (oldest first)
	order *list.List               // of *entry, front = oldest

	file *os.File
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// Open opens (creating if absent) the nonce log at path and replays it
// into memory, following the teacher's ledger WAL pattern
// (os.O_CREATE|os.O_RDWR|os.O_APPEND, replay-on-start) adapted from a
// block log to a nonce log. An empty path yields an in-memory-only cache
// useful for tests.
func Open(log *logrus.Logger, path string, opts ...Option) (*Cache, error) {
	if log == nil {
		log = logrus.New()
	}
	c := &Cache{
		log:      log,
		capacity: DefaultCapacity,
		ttl:      DefaultTTL,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if path == "" {
		return c, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("noncecache: open %s: %w", path, err)
	}
	if err := c.replay(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("noncecache: replay %s: %w", path, err)
	}
	c.file = f
	return c, nil
}

// replay reads length-prefixed (nonce, unix-nano timestamp) records
// written by appendRecord and rebuilds the in-memory index, dropping
// anything already past its TTL.
func (c *Cache) replay(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(f)
	now := time.Now()
	for {
		var nonceLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nonceLen); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		nonce := make([]byte, nonceLen)
		if _, err := io.ReadFull(r, nonce); err != nil {
			return err
		}
		var unixNano int64
		if err := binary.Read(r, binary.LittleEndian, &unixNano); err != nil {
			return err
		}
		insertedAt := time.Unix(0, unixNano)
		if now.Sub(insertedAt) > c.ttl {
			continue
		}
		c.insertMemory(string(nonce), insertedAt)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func (c *Cache) appendRecord(nonce string, insertedAt time.Time) error {
	if c.file == nil {
		return nil
	}
	buf := make([]byte, 4+len(nonce)+8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(nonce)))
	copy(buf[4:4+len(nonce)], nonce)
	binary.LittleEndian.PutUint64(buf[4+len(nonce):], uint64(insertedAt.UnixNano()))
	_, err := c.file.Write(buf)
	return err
}

// insertMemory adds nonce to the index/order structures without
// touching the disk log or checking capacity/TTL; callers hold c.mu (or
// are replay(), which runs before concurrent access is possible).
func (c *Cache) insertMemory(nonce string, insertedAt time.Time) {
	if _, exists := c.index[nonce]; exists {
		return
	}
	el := c.order.PushBack(&entry{nonce: nonce, insertedAt: insertedAt})
	c.index[nonce] = el
}

// Insert records nonce as seen, failing with ErrReplay if it was already
// present and has not expired. It evicts TTL-expired and, if still over
// capacity, oldest-inserted entries first.
func (c *Cache) Insert(nonce []byte) error {
	key := string(nonce)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked(now)

	if _, exists := c.index[key]; exists {
		return ErrReplay
	}

	for c.order.Len() >= c.capacity {
		c.evictOldestLocked()
	}

	c.insertMemory(key, now)
	if err := c.appendRecord(key, now); err != nil {
		return fmt.Errorf("noncecache: persist nonce: %w", err)
	}
	return nil
}

// Sweep removes every entry older than the configured TTL. It is safe to
// call periodically from a background goroutine.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictExpiredLocked(time.Now())
}

func (c *Cache) evictExpiredLocked(now time.Time) int {
	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if now.Sub(e.insertedAt) <= c.ttl {
			break // order is oldest-first; once one is fresh, all after are too
		}
		c.order.Remove(el)
		delete(c.index, e.nonce)
		n++
		el = next
	}
	if n > 0 {
		c.log.WithField("count", n).Debug("noncecache: swept expired entries")
	}
	return n
}

func (c *Cache) evictOldestLocked() {
	el := c.order.Front()
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.index, e.nonce)
}

// Len returns the number of nonces currently tracked.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close releases the underlying log file, if any.
func (c *Cache) Close() error {
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}
