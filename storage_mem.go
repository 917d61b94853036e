package kvtable

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"
)

const (
	memBucketSep   = "\x00"
	memBTreeDegree = 32
)

type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memTree
	closed  bool
	writer  bool
}

// NewMemStorage returns a transient in-memory Storage. Transactions see
// copy-on-write snapshots of B-trees, so opening one costs O(buckets).
func NewMemStorage() Storage {
	s := &memStorage{buckets: make(map[string]*memTree)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (StorageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("storage closed")
		}
		s.writer = true
	}

	snap := make(map[string]*memTree, len(s.buckets))
	for k, t := range s.buckets {
		snap[k] = t.Clone()
	}

	return &memTx{
		writable: writable,
		base:     s,
		buckets:  snap,
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*memTree
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) Bucket(name, sub string) StorageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	t := tx.buckets[memBucketKey(name, sub)]
	if t == nil {
		return nil
	}
	return memBucket{tx: tx, t: t}
}

func (tx *memTx) CreateBucket(name, sub string) (StorageBucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}

	// Nested buckets need a root, like in Bolt.
	rootKey := memBucketKey(name, "")
	if tx.buckets[rootKey] == nil {
		tx.buckets[rootKey] = newMemTree()
	}

	key := memBucketKey(name, sub)
	t := tx.buckets[key]
	if t == nil {
		t = newMemTree()
		tx.buckets[key] = t
	}
	return memBucket{tx: tx, t: t}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if sub == "" {
		return ErrBucketNotFound
	}
	key := memBucketKey(name, sub)
	if tx.buckets[key] == nil {
		return ErrBucketNotFound
	}
	delete(tx.buckets, key)
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return fmt.Errorf("storage closed")
	}
	tx.base.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) Size() int64 {
	var size int64
	for _, t := range tx.buckets {
		t.Ascend(func(kv memKV) bool {
			size += int64(len(kv.key) + len(kv.value))
			return true
		})
	}
	return size
}

func memBucketKey(name, sub string) string {
	return name + memBucketSep + sub
}

type memKV struct {
	key   []byte
	value []byte
}

type memTree = btree.BTreeG[memKV]

func newMemTree() *memTree {
	return btree.NewG(memBTreeDegree, func(a, b memKV) bool {
		return bytes.Compare(a.key, b.key) < 0
	})
}

type memBucket struct {
	tx *memTx
	t  *memTree
}

func (b memBucket) Get(key []byte) ([]byte, error) {
	kv, ok := b.t.Get(memKV{key: key})
	if !ok {
		return nil, nil
	}
	return kv.value, nil
}

func (b memBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	// Snapshots share items, so stored slices must never be mutated.
	b.t.ReplaceOrInsert(memKV{key: cloneBytes(key), value: append(make([]byte, 0, len(value)), value...)})
	return nil
}

func (b memBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	b.t.Delete(memKV{key: key})
	return nil
}

func (b memBucket) Cursor() StorageCursor {
	return &memCursor{t: b.t}
}

func (b memBucket) Stats() BucketStats {
	var inuse int64
	b.t.Ascend(func(kv memKV) bool {
		inuse += int64(len(kv.key) + len(kv.value))
		return true
	})
	return BucketStats{
		KeyN:      b.t.Len(),
		LeafInuse: inuse,
		LeafAlloc: inuse,
	}
}

// memCursor remembers the current key and re-seeks the tree on every move,
// so it stays valid across Puts and Deletes in the same transaction.
type memCursor struct {
	t   *memTree
	cur []byte
	ok  bool
}

func (c *memCursor) set(kv memKV, ok bool) ([]byte, []byte) {
	c.ok = ok
	if !ok {
		return nil, nil
	}
	c.cur = kv.key
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) {
	return c.set(c.t.Min())
}

func (c *memCursor) Last() ([]byte, []byte) {
	return c.set(c.t.Max())
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	var found memKV
	var ok bool
	c.t.AscendGreaterOrEqual(memKV{key: seek}, func(kv memKV) bool {
		found, ok = kv, true
		return false
	})
	return c.set(found, ok)
}

func (c *memCursor) SeekLast(limit []byte) ([]byte, []byte) {
	if limit == nil {
		return c.Last()
	}
	return c.set(c.before(limit))
}

func (c *memCursor) before(limit []byte) (memKV, bool) {
	var found memKV
	var ok bool
	c.t.DescendLessOrEqual(memKV{key: limit}, func(kv memKV) bool {
		if bytes.Equal(kv.key, limit) {
			return true
		}
		found, ok = kv, true
		return false
	})
	return found, ok
}

func (c *memCursor) Next() ([]byte, []byte) {
	if !c.ok {
		return nil, nil
	}
	var found memKV
	var ok bool
	c.t.AscendGreaterOrEqual(memKV{key: c.cur}, func(kv memKV) bool {
		if bytes.Equal(kv.key, c.cur) {
			return true
		}
		found, ok = kv, true
		return false
	})
	return c.set(found, ok)
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if !c.ok {
		return nil, nil
	}
	return c.set(c.before(c.cur))
}
