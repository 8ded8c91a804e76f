package fetch

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/coocood/freecache"
	"github.com/golang/snappy"

	"github.com/janelia-flyem/dcmseq/dcm"
)

const (
	// freecache will not allocate less than this.
	minCacheSize = 512 * 1024

	// freecache stores entries up to a quarter of one of its 256 segments, less a
	// 24 byte header.
	entryHeaderSize = 24
)

// Cache is a response cache in front of another Fetcher, shared by all sessions of a
// server so that viewing a series again does not refetch its frames.  Bodies are held
// snappy-compressed in a fixed-size freecache.  A body larger than one freecache entry
// is split into chunks stored under "<url>#<n>"; a response is only served if its head
// entry and every chunk are still present.
type Cache struct {
	next     Fetcher
	store    *freecache.Cache
	maxEntry int

	hits   uint64
	misses uint64
}

// NewCache returns a cache of roughly the given number of bytes.
func NewCache(next Fetcher, numBytes int) *Cache {
	if numBytes < minCacheSize {
		numBytes = minCacheSize
	}
	return &Cache{
		next:     next,
		store:    freecache.NewCache(numBytes),
		maxEntry: numBytes/1024 - entryHeaderSize,
	}
}

// Fetch implements Fetcher.
func (c *Cache) Fetch(ctx context.Context, url string) (*Response, error) {
	if resp, found := c.get(url); found {
		atomic.AddUint64(&c.hits, 1)
		return resp, nil
	}
	atomic.AddUint64(&c.misses, 1)
	resp, err := c.next.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := c.set(url, resp); err != nil {
		dcm.Debugf("not caching %s (%s): %v\n", url, dcm.HumanBytes(int64(len(resp.Body))), err)
	}
	return resp, nil
}

func chunkKey(url string, n int) []byte {
	return []byte(url + "#" + strconv.Itoa(n))
}

// The head entry is the chunk count as a uvarint, the content type, a zero byte, then
// the first part of the snappy-encoded body.  Later chunks hold the rest.
func (c *Cache) set(url string, resp *Response) error {
	encoded := snappy.Encode(nil, resp.Body)
	headRoom := c.maxEntry - len(url) - binary.MaxVarintLen64 - len(resp.ContentType) - 1
	chunkSize := c.maxEntry - len(url) - 12
	if headRoom <= 0 || chunkSize <= 0 {
		return freecache.ErrLargeKey
	}
	first := encoded
	if len(first) > headRoom {
		first = encoded[:headRoom]
	}
	rest := encoded[len(first):]
	numChunks := (len(rest) + chunkSize - 1) / chunkSize

	for n := 0; n < numChunks; n++ {
		end := (n + 1) * chunkSize
		if end > len(rest) {
			end = len(rest)
		}
		if err := c.store.Set(chunkKey(url, n+1), rest[n*chunkSize:end], 0); err != nil {
			return err
		}
	}
	head := binary.AppendUvarint(nil, uint64(numChunks))
	head = append(head, resp.ContentType...)
	head = append(head, 0)
	head = append(head, first...)
	return c.store.Set([]byte(url), head, 0)
}

func (c *Cache) get(url string) (*Response, bool) {
	head, err := c.store.Get([]byte(url))
	if err != nil {
		return nil, false
	}
	numChunks, n := binary.Uvarint(head)
	sep := bytes.IndexByte(head[max(n, 0):], 0)
	if n <= 0 || sep < 0 {
		c.drop(url, fmt.Errorf("bad cache head entry"))
		return nil, false
	}
	contentType := string(head[n : n+sep])
	encoded := append([]byte{}, head[n+sep+1:]...)
	for i := 1; i <= int(numChunks); i++ {
		chunk, err := c.store.Get(chunkKey(url, i))
		if err != nil {
			return nil, false // evicted
		}
		encoded = append(encoded, chunk...)
	}
	body, err := snappy.Decode(nil, encoded)
	if err != nil {
		c.drop(url, err)
		return nil, false
	}
	resp, err := NewResponse(body, contentType)
	if err != nil {
		c.drop(url, err)
		return nil, false
	}
	return resp, true
}

func (c *Cache) drop(url string, err error) {
	dcm.Errorf("dropping bad cache entry for %s: %v\n", url, err)
	c.store.Del([]byte(url))
}

// Clear drops all cached responses.
func (c *Cache) Clear() {
	c.store.Clear()
}

// Stats returns hit and miss counts since creation.
func (c *Cache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}

// Size returns the number of stored entries, counting each chunk of a large response.
func (c *Cache) Size() int64 {
	return c.store.EntryCount()
}
