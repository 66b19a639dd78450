package archive

import (
	"container/list"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"github.com/unidata/sruth/internal/archivepath"
)

// diskFileCache is a LRU of ArchivePath -> *DiskFile, bounded by a
// configurable maximum. Overflow closes the evicted handle without
// touching the underlying file; a later Get reopens it transparently.
type diskFileCache struct {
	mu       sync.Mutex
	root     string
	capacity int
	items    map[archivepath.Path]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	path archivepath.Path
	df   *DiskFile
}

func newDiskFileCache(root string, capacity int) *diskFileCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &diskFileCache{
		root:     root,
		capacity: capacity,
		items:    make(map[archivepath.Path]*list.Element),
		order:    list.New(),
	}
}

// Get returns the DiskFile for fi.ID.Path, opening and reconciling it
// against fi per the opening policy if it isn't already cached or if
// the cached entry was closed out from under the cache by a prior
// completion.
func (c *diskFileCache) Get(fi archivepath.FileInfo) (*DiskFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[fi.ID.Path]; ok {
		entry := el.Value.(*cacheEntry)
		entry.df.mu.Lock()
		closed := entry.df.state == stateClosed
		entry.df.mu.Unlock()
		if closed || (entry.df.Complete() && entry.df.Info().ID.Time.Less(fi.ID.Time)) {
			// the handle was closed by a completion, or a newer version
			// has arrived and the cached handle refers to a now-stale
			// completed file; either way it must be reopened.
			c.order.Remove(el)
			delete(c.items, fi.ID.Path)
		} else {
			c.order.MoveToFront(el)
			return entry.df, nil
		}
	}

	df, err := c.openWithEviction(fi)
	if err != nil {
		return nil, err
	}

	el := c.order.PushFront(&cacheEntry{path: fi.ID.Path, df: df})
	c.items[fi.ID.Path] = el
	c.evictOverflowLocked()
	return df, nil
}

func (c *diskFileCache) openWithEviction(fi archivepath.FileInfo) (*DiskFile, error) {
	for {
		df, err := openDiskFile(c.root, fi)
		if err == nil {
			return df, nil
		}
		if !errors.Is(err, syscall.EMFILE) && !errors.Is(err, syscall.ENFILE) {
			return nil, err
		}
		if c.order.Len() == 0 {
			return nil, err
		}
		c.evictOneLocked()
	}
}

func (c *diskFileCache) evictOverflowLocked() {
	for c.order.Len() > c.capacity {
		c.evictOneLocked()
	}
}

func (c *diskFileCache) evictOneLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*cacheEntry)
	c.order.Remove(back)
	delete(c.items, entry.path)
	_ = entry.df.Close()
}

// Evict drops path from the cache (closing its handle) without
// deleting anything on disk, used after an out-of-band mutation such
// as Archive.Save.
func (c *diskFileCache) Evict(path archivepath.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[path]
	if !ok {
		return
	}
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.items, path)
	_ = entry.df.Close()
}

// CloseAll closes every cached handle, used during shutdown, and
// returns the first error any of them reported.
func (c *diskFileCache) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	for el := c.order.Front(); el != nil; el = el.Next() {
		if err := el.Value.(*cacheEntry).df.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.items = make(map[archivepath.Path]*list.Element)
	c.order = list.New()
	return first
}
