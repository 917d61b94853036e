package kvtable

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type BadgerOptions struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool

	GCInterval     time.Duration
	GCDiscardRatio float64

	Logger *slog.Logger
}

// Badger has no buckets, so they are emulated with key prefixes:
//
//	0x01 name 0x00 sub            bucket marker
//	0x02 name 0x00 sub 0x00 key   bucket entry
const (
	badgerMarkerTag = 0x01
	badgerEntryTag  = 0x02
)

type badgerStorage struct {
	db     *badger.DB
	logger *slog.Logger

	gcWG   sync.WaitGroup
	gcQuit chan struct{}
}

// OpenBadgerStorage opens a Badger database and starts its value log GC loop.
func OpenBadgerStorage(opt BadgerOptions) (Storage, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.GCInterval == 0 {
		opt.GCInterval = 5 * time.Minute
	}
	if opt.GCDiscardRatio == 0 {
		opt.GCDiscardRatio = 0.5
	}

	var bopt badger.Options
	if opt.InMemory {
		bopt = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopt = badger.DefaultOptions(opt.Dir)
	}
	bopt = bopt.WithLogger(badgerLogger{opt.Logger})

	db, err := badger.Open(bopt)
	if err != nil {
		return nil, err
	}
	s := &badgerStorage{
		db:     db,
		logger: opt.Logger,
		gcQuit: make(chan struct{}),
	}
	if !opt.InMemory {
		s.startGC(opt.GCInterval, opt.GCDiscardRatio)
	}
	return s, nil
}

func (s *badgerStorage) startGC(interval time.Duration, discardRatio float64) {
	s.gcWG.Add(1)
	go func() {
		defer s.gcWG.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.gcQuit:
				return
			case <-ticker.C:
				err := s.db.RunValueLogGC(discardRatio)
				if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn("kvtable: badger value log GC failed", "err", err)
				}
			}
		}
	}()
}

func (s *badgerStorage) BeginTx(writable bool) (StorageTx, error) {
	if s.db.IsClosed() {
		return nil, fmt.Errorf("storage closed")
	}
	return &badgerTx{txn: s.db.NewTransaction(writable), db: s.db, writable: writable}, nil
}

func (s *badgerStorage) Close() error {
	close(s.gcQuit)
	s.gcWG.Wait()
	return s.db.Close()
}

type badgerTx struct {
	txn      *badger.Txn
	db       *badger.DB
	writable bool
}

func (tx *badgerTx) Writable() bool { return tx.writable }

func badgerBucketName(name, sub string) string {
	if strings.IndexByte(name, 0) >= 0 || strings.IndexByte(sub, 0) >= 0 {
		panic(fmt.Errorf("bucket name %q/%q contains a zero byte", name, sub))
	}
	return name + "\x00" + sub
}

func badgerMarkerKey(name, sub string) []byte {
	return append([]byte{badgerMarkerTag}, badgerBucketName(name, sub)...)
}

func badgerEntryPrefix(name, sub string) []byte {
	p := append([]byte{badgerEntryTag}, badgerBucketName(name, sub)...)
	return append(p, 0)
}

func (tx *badgerTx) hasKey(key []byte) (bool, error) {
	_, err := tx.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (tx *badgerTx) Bucket(name, sub string) StorageBucket {
	if !must(tx.hasKey(badgerMarkerKey(name, sub))) {
		return nil
	}
	return &badgerBucket{tx: tx, prefix: badgerEntryPrefix(name, sub)}
}

func (tx *badgerTx) CreateBucket(name, sub string) (StorageBucket, error) {
	if !tx.writable {
		return nil, badger.ErrReadOnlyTxn
	}
	if sub != "" {
		if err := tx.txn.Set(badgerMarkerKey(name, ""), nil); err != nil {
			return nil, err
		}
	}
	if err := tx.txn.Set(badgerMarkerKey(name, sub), nil); err != nil {
		return nil, err
	}
	return &badgerBucket{tx: tx, prefix: badgerEntryPrefix(name, sub)}, nil
}

func (tx *badgerTx) DeleteBucket(name, sub string) error {
	if sub == "" {
		return ErrBucketNotFound
	}
	marker := badgerMarkerKey(name, sub)
	ok, err := tx.hasKey(marker)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBucketNotFound
	}
	prefix := badgerEntryPrefix(name, sub)
	var keys [][]byte
	tx.iterate(prefix, func(item *badger.Item) bool {
		keys = append(keys, item.KeyCopy(nil))
		return true
	})
	for _, k := range keys {
		if err := tx.txn.Delete(k); err != nil {
			return err
		}
	}
	return tx.txn.Delete(marker)
}

func (tx *badgerTx) iterate(prefix []byte, f func(item *badger.Item) bool) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := tx.txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if !f(it.Item()) {
			break
		}
	}
}

func (tx *badgerTx) Commit() error {
	if !tx.writable {
		tx.txn.Discard()
		return fmt.Errorf("tx not writable")
	}
	return tx.txn.Commit()
}

func (tx *badgerTx) Rollback() error {
	tx.txn.Discard()
	return nil
}

func (tx *badgerTx) Size() int64 {
	lsm, vlog := tx.db.Size()
	return lsm + vlog
}

type badgerBucket struct {
	tx     *badgerTx
	prefix []byte
}

func (b *badgerBucket) fullKey(key []byte) []byte {
	k := make([]byte, 0, len(b.prefix)+len(key))
	return append(append(k, b.prefix...), key...)
}

func (b *badgerBucket) Get(key []byte) ([]byte, error) {
	item, err := b.tx.txn.Get(b.fullKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (b *badgerBucket) Put(key, value []byte) error {
	// Badger holds on to both slices until commit.
	return b.tx.txn.Set(b.fullKey(key), cloneBytes(value))
}

func (b *badgerBucket) Delete(key []byte) error {
	return b.tx.txn.Delete(b.fullKey(key))
}

func (b *badgerBucket) Cursor() StorageCursor {
	return &badgerCursor{b: b}
}

func (b *badgerBucket) Stats() BucketStats {
	var st BucketStats
	b.tx.iterate(b.prefix, func(item *badger.Item) bool {
		st.KeyN++
		st.LeafInuse += item.EstimatedSize()
		return true
	})
	st.LeafAlloc = st.LeafInuse
	return st
}

// badgerCursor opens a short-lived iterator per move, so that it can switch
// direction and coexist with writes in the same transaction.
type badgerCursor struct {
	b   *badgerBucket
	cur []byte
	ok  bool
}

func (c *badgerCursor) set(key, value []byte, ok bool) ([]byte, []byte) {
	c.ok = ok
	if !ok {
		return nil, nil
	}
	c.cur = key
	return key, value
}

// forward finds the first entry >= from (or > from if strict).
func (c *badgerCursor) forward(from []byte, strict bool) ([]byte, []byte) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := c.b.tx.txn.NewIterator(opts)
	defer it.Close()

	seek := c.b.fullKey(from)
	it.Seek(seek)
	if strict && it.Valid() && bytes.Equal(it.Item().Key(), seek) {
		it.Next()
	}
	return c.read(it)
}

// backward finds the last entry < limit, where limit is a full storage key.
func (c *badgerCursor) backward(limit []byte) ([]byte, []byte) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	it := c.b.tx.txn.NewIterator(opts)
	defer it.Close()

	it.Seek(limit)
	if it.Valid() && bytes.Equal(it.Item().Key(), limit) {
		it.Next()
	}
	return c.read(it)
}

func (c *badgerCursor) read(it *badger.Iterator) ([]byte, []byte) {
	if !it.ValidForPrefix(c.b.prefix) {
		return c.set(nil, nil, false)
	}
	item := it.Item()
	key := item.KeyCopy(nil)[len(c.b.prefix):]
	value, err := item.ValueCopy(nil)
	if err != nil {
		panic(fmt.Errorf("badger: reading value of %x: %w", key, err))
	}
	return c.set(key, value, true)
}

func (c *badgerCursor) First() ([]byte, []byte) {
	return c.forward(nil, false)
}

func (c *badgerCursor) Last() ([]byte, []byte) {
	return c.backward(successor(c.b.prefix))
}

func (c *badgerCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.forward(seek, false)
}

func (c *badgerCursor) SeekLast(limit []byte) ([]byte, []byte) {
	if limit == nil {
		return c.Last()
	}
	return c.backward(c.b.fullKey(limit))
}

func (c *badgerCursor) Next() ([]byte, []byte) {
	if !c.ok {
		return nil, nil
	}
	return c.forward(c.cur, true)
}

func (c *badgerCursor) Prev() ([]byte, []byte) {
	if !c.ok {
		return nil, nil
	}
	return c.backward(c.b.fullKey(c.cur))
}

type badgerLogger struct {
	l *slog.Logger
}

func (bl badgerLogger) Errorf(format string, args ...any) {
	bl.l.Error("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (bl badgerLogger) Warningf(format string, args ...any) {
	bl.l.Warn("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (bl badgerLogger) Infof(format string, args ...any) {
	bl.l.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (bl badgerLogger) Debugf(format string, args ...any) {
	bl.l.Debug("badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}
