package offline0

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

var (
	ErrCacheNotFound    = errors.New("cache generation not found")
	ErrInvalidCacheName = errors.New("invalid cache generation name")
)

// Key layout:
//
//	g:<name>              generation marker (generationMeta)
//	e:<name>\x00<key>     entry (Response)
const (
	generationPrefix = "g:"
	entryPrefix      = "e:"
	keySep           = "\x00"
)

type generationMeta struct {
	CreatedAt int64
}

type generationIndex struct {
	createdAt int64
	sizes     map[string]int64
	total     int64
}

type storeOp struct {
	gen     string
	key     string
	resp    *Response
	barrier chan struct{}
}

// StorageOptions tunes the leveldb backing store.
type StorageOptions struct {
	// BlockCache is the leveldb block cache capacity; zero keeps the leveldb default.
	BlockCache ByteSize
	// Quota is a soft per-generation size; exceeding it only logs a warning.
	Quota ByteSize
	// QueueSize bounds pending asynchronous writes.
	QueueSize int
}

// CacheStorage is the set of named cache generations, persisted in leveldb.
// Safe for concurrent use.
type CacheStorage struct {
	db    *leveldb.DB
	log   *zap.Logger
	quota ByteSize

	written   atomic.Uint64
	unchanged atomic.Uint64
	dropped   atomic.Uint64

	// mu serialises generation create/delete against entry writes so a write
	// never lands in a generation that is being or has been deleted.
	mu          sync.Mutex
	generations map[string]*generationIndex

	// closeMu guards sends on ops against Close.
	closeMu sync.RWMutex
	closed  bool
	ops     chan storeOp
	done    chan struct{}

	dropLog  *rateLimitedLogger
	quotaLog *rateLimitedLogger
}

// OpenCacheStorage opens (creating if needed) the leveldb database at path.
func OpenCacheStorage(path string, opts StorageOptions, log *zap.Logger) (*CacheStorage, error) {
	o := &opt.Options{}
	if opts.BlockCache > 0 {
		o.BlockCacheCapacity = int(opts.BlockCache)
	}
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newCacheStorage(db, opts, log)
}

// NewMemCacheStorage keeps everything in memory. Used by tests and dry runs.
func NewMemCacheStorage(opts StorageOptions, log *zap.Logger) (*CacheStorage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newCacheStorage(db, opts, log)
}

func newCacheStorage(db *leveldb.DB, opts StorageOptions, log *zap.Logger) (*CacheStorage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	s := &CacheStorage{
		db:          db,
		log:         log,
		quota:       opts.Quota,
		generations: map[string]*generationIndex{},
		ops:         make(chan storeOp, opts.QueueSize),
		done:        make(chan struct{}),
		dropLog:     newRateLimitedLogger(log, time.Minute),
		quotaLog:    newRateLimitedLogger(log, time.Minute),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func (s *CacheStorage) loadIndex() error {
	gens := map[string]*generationIndex{}

	it := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(generationPrefix)))
		var meta generationMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		gens[name] = &generationIndex{createdAt: meta.CreatedAt, sizes: map[string]int64{}}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		rest := string(bytes.TrimPrefix(it.Key(), []byte(entryPrefix)))
		name, key, ok := strings.Cut(rest, keySep)
		if !ok {
			continue
		}
		g, ok := gens[name]
		if !ok {
			// orphan left by an interrupted delete
			continue
		}
		sz := int64(len(it.Value()))
		g.sizes[key] = sz
		g.total += sz
	}
	if err := it.Error(); err != nil {
		return err
	}

	s.mu.Lock()
	s.generations = gens
	s.mu.Unlock()
	return nil
}

// Close drains pending writes and closes the database.
func (s *CacheStorage) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.closeMu.Unlock()

	<-s.done
	return s.db.Close()
}

func validCacheName(name string) error {
	if name == "" || strings.Contains(name, keySep) {
		return fmt.Errorf("%w: %q", ErrInvalidCacheName, name)
	}
	return nil
}

// Open returns the named generation, creating it if absent.
func (s *CacheStorage) Open(name string) (*Cache, error) {
	if err := validCacheName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[name]; ok {
		return &Cache{name: name, s: s}, nil
	}
	meta := generationMeta{CreatedAt: time.Now().UnixNano()}
	b, err := encodeGob(meta)
	if err != nil {
		return nil, err
	}
	if err := s.db.Put([]byte(generationPrefix+name), b, nil); err != nil {
		return nil, fmt.Errorf("create cache %q: %w", name, err)
	}
	s.generations[name] = &generationIndex{createdAt: meta.CreatedAt, sizes: map[string]int64{}}
	return &Cache{name: name, s: s}, nil
}

// Cache returns a handle to the named generation without creating it.
// Writes through the handle are dropped once the generation is gone.
func (s *CacheStorage) Cache(name string) *Cache {
	return &Cache{name: name, s: s}
}

func (s *CacheStorage) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.generations[name]
	return ok
}

// Keys lists generation names in creation order.
func (s *CacheStorage) Keys() []string {
	s.mu.Lock()
	type item struct {
		name string
		at   int64
	}
	items := make([]item, 0, len(s.generations))
	for name, g := range s.generations {
		items = append(items, item{name, g.createdAt})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].at != items[j].at {
			return items[i].at < items[j].at
		}
		return items[i].name < items[j].name
	})
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.name
	}
	return out
}

// Delete removes a generation and every entry in it. It reports whether the
// generation existed.
func (s *CacheStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[name]; !ok {
		return false, nil
	}
	delete(s.generations, name)

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryKey(name, "")), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return true, fmt.Errorf("delete cache %q: %w", name, err)
	}
	batch.Delete([]byte(generationPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return true, fmt.Errorf("delete cache %q: %w", name, err)
	}
	return true, nil
}

// Usage is the entry count and stored bytes of a generation.
type Usage struct {
	Name    string   `json:"name"`
	Entries int      `json:"entries"`
	Bytes   ByteSize `json:"bytes"`
}

func (s *CacheStorage) Usage() []Usage {
	names := s.Keys()
	out := make([]Usage, 0, len(names))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		g, ok := s.generations[name]
		if !ok {
			continue
		}
		out = append(out, Usage{Name: name, Entries: len(g.sizes), Bytes: ByteSize(g.total)})
	}
	return out
}

// Sync blocks until every write queued before the call has been applied.
func (s *CacheStorage) Sync(ctx context.Context) error {
	ch := make(chan struct{})
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return leveldb.ErrClosed
	}
	select {
	case s.ops <- storeOp{barrier: ch}:
		s.closeMu.RUnlock()
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CacheStorage) enqueue(op storeOp) bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.ops <- op:
		return true
	default:
		s.dropped.Add(1)
		s.dropLog.Warn("cache write queue full, dropping write",
			zap.String("cache", op.gen), zap.String("key", op.key))
		return false
	}
}

func (s *CacheStorage) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		stored, err := s.put(op.gen, op.key, op.resp, true)
		switch {
		case errors.Is(err, ErrCacheNotFound):
			s.dropped.Add(1)
			s.log.Debug("cache gone, dropping write", zap.String("cache", op.gen), zap.String("key", op.key))
		case err != nil:
			s.dropped.Add(1)
			s.log.Warn("cache write failed",
				zap.String("cache", op.gen), zap.String("key", op.key), zap.Error(err))
		case stored:
			s.written.Add(1)
		default:
			s.unchanged.Add(1)
		}
	}
}

// WriteStats counts asynchronous writes by result.
type WriteStats struct {
	Written   uint64 `json:"written"`
	Unchanged uint64 `json:"unchanged"`
	Dropped   uint64 `json:"dropped"`
}

func (s *CacheStorage) WriteStats() WriteStats {
	return WriteStats{
		Written:   s.written.Load(),
		Unchanged: s.unchanged.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// put stores resp under key. With skipSame, an existing entry with the same
// status and body hash is left untouched.
func (s *CacheStorage) put(gen, key string, resp *Response, skipSame bool) (bool, error) {
	b, err := encodeGob(resp)
	if err != nil {
		return false, err
	}
	ek := entryKey(gen, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[gen]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrCacheNotFound, gen)
	}

	if skipSame {
		if cur, ok := s.get(ek); ok && cur.Status == resp.Status && cur.Hash32 == resp.Hash32 {
			return false, nil
		}
	}
	if err := s.db.Put(ek, b, nil); err != nil {
		return false, err
	}

	sz := int64(len(b))
	g.total += sz - g.sizes[key]
	g.sizes[key] = sz
	if s.quota > 0 && ByteSize(g.total) > s.quota {
		s.quotaLog.Warn("cache generation over quota",
			zap.String("cache", gen),
			zap.Stringer("size", ByteSize(g.total)),
			zap.Stringer("quota", s.quota))
	}
	return true, nil
}

func (s *CacheStorage) get(ek []byte) (*Response, bool) {
	b, err := s.db.Get(ek, nil)
	if err != nil {
		return nil, false
	}
	var resp Response
	if err := decodeGob(b, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func entryKey(gen, key string) []byte {
	return []byte(entryPrefix + gen + keySep + key)
}

// Cache is a handle to one generation.
type Cache struct {
	name string
	s    *CacheStorage
}

func (c *Cache) Name() string { return c.name }

// Put stores a snapshot synchronously.
func (c *Cache) Put(key string, resp *Response) error {
	_, err := c.s.put(c.name, key, resp.Clone(), false)
	return err
}

// PutAsync queues a snapshot for the writer goroutine and returns at once.
// It reports false when the queue was full and the write was dropped.
func (c *Cache) PutAsync(key string, resp *Response) bool {
	return c.s.enqueue(storeOp{gen: c.name, key: key, resp: resp.Clone()})
}

// Match looks key up in this generation.
func (c *Cache) Match(key string) (*Response, bool, error) {
	b, err := c.s.db.Get(entryKey(c.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var resp Response
	if err := decodeGob(b, &resp); err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return &resp, true, nil
}

func (c *Cache) Delete(key string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	g, ok := c.s.generations[c.name]
	if !ok {
		return false, nil
	}
	sz, ok := g.sizes[key]
	if !ok {
		return false, nil
	}
	if err := c.s.db.Delete(entryKey(c.name, key), nil); err != nil {
		return false, err
	}
	delete(g.sizes, key)
	g.total -= sz
	return true, nil
}

// Keys lists the request keys stored in this generation, sorted.
func (c *Cache) Keys() []string {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	g, ok := c.s.generations[c.name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.sizes))
	for k := range g.sizes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
