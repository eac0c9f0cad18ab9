// Package hashtable is a small fixed-bucket-count hash table keyed by int,
// adapted from biscuit's generic hashtable.Hashtable_t down to the one key
// type this repo actually needs: virtual page numbers (package page; the
// buffer cache indexes sectors with a plain Go map). Get is lock-free with respect to concurrent
// Set/Del on other buckets; Set/Del take the bucket's own lock.
package hashtable

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem struct {
	key   int
	value interface{}
	next  *elem
}

type bucket struct {
	sync.Mutex
	first *elem
}

// Table is a fixed-size hash table mapping int keys to arbitrary values.
type Table struct {
	buckets []*bucket
}

// New allocates a Table with the given bucket count.
func New(size int) *Table {
	t := &Table{buckets: make([]*bucket, size)}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

func (t *Table) bucketFor(key int) *bucket {
	h := uint32(key)*2654435761 + uint32(key>>32)
	return t.buckets[int(h)%len(t.buckets)]
}

func loadNext(e *elem) *elem {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(&e.next))
	return (*elem)(atomic.LoadPointer(ptr))
}

func storeNext(e *elem, n *elem) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(&e.next))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

func loadFirst(b *bucket) *elem {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(&b.first))
	return (*elem)(atomic.LoadPointer(ptr))
}

func storeFirst(b *bucket, n *elem) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(&b.first))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

// Get looks up key without taking any lock.
func (t *Table) Get(key int) (interface{}, bool) {
	b := t.bucketFor(key)
	for e := loadFirst(b); e != nil; e = loadNext(e) {
		if e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

// Set inserts key/value, silently replacing the value of any existing entry
// for key, like a map assignment; it returns nothing. Callers that need
// insert-only semantics check Get first under their own lock.
func (t *Table) Set(key int, value interface{}) {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()

	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			e.value = value
			return
		}
	}
	n := &elem{key: key, value: value, next: b.first}
	storeFirst(b, n)
}

// Del removes key if present; it is a no-op otherwise.
func (t *Table) Del(key int) {
	b := t.bucketFor(key)
	b.Lock()
	defer b.Unlock()

	var prev *elem
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			if prev == nil {
				storeFirst(b, e.next)
			} else {
				storeNext(prev, e.next)
			}
			return
		}
		prev = e
	}
}

// Iter calls f for every key/value pair. f may Del the key it was just
// given (the walk continues from that element's unchanged next link); a
// key Set during the walk may or may not be visited.
func (t *Table) Iter(f func(key int, value interface{})) {
	for _, b := range t.buckets {
		for e := loadFirst(b); e != nil; e = loadNext(e) {
			f(e.key, e.value)
		}
	}
}

// Len returns the total number of entries (O(n), for diagnostics/tests).
func (t *Table) Len() int {
	n := 0
	t.Iter(func(int, interface{}) { n++ })
	return n
}
