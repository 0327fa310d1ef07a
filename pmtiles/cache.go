package pmtiles

import (
	"container/list"
	"context"
	"fmt"

	"go.uber.org/zap"
)

type dirKey struct {
	archive string
	offset  uint64
	length  uint32
}

type dirResult struct {
	entries []EntryV3
	err     error
}

type dirRequest struct {
	key   dirKey
	fetch func(context.Context) ([]EntryV3, error)
	value chan dirResult
}

type dirResponse struct {
	key    dirKey
	result dirResult
	size   int
}

// dirCache holds decoded leaf directories for every archive in a registry.
// A single goroutine owns the map; concurrent misses on one key share one fetch.
type dirCache struct {
	reqs       chan dirRequest
	done       chan struct{}
	limitBytes int
	metrics    *Metrics
	logger     *zap.Logger
}

func newDirCache(cacheSizeMB int, metrics *Metrics, logger *zap.Logger) *dirCache {
	return &dirCache{
		reqs:       make(chan dirRequest, 8),
		done:       make(chan struct{}),
		limitBytes: cacheSizeMB * 1000 * 1000,
		metrics:    metrics,
		logger:     logger,
	}
}

// get returns the directory at key, calling fetch on a miss.
func (c *dirCache) get(ctx context.Context, key dirKey, fetch func(context.Context) ([]EntryV3, error)) ([]EntryV3, error) {
	select {
	case <-c.done:
		return fetch(ctx)
	default:
	}

	req := dirRequest{key: key, fetch: fetch, value: make(chan dirResult, 1)}
	select {
	case c.reqs <- req:
	case <-c.done:
		return fetch(ctx)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrIO, ctx.Err())
	}

	select {
	case result := <-req.value:
		return result.entries, result.err
	case <-c.done:
		return fetch(ctx)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrIO, ctx.Err())
	}
}

// start runs the cache loop until ctx is canceled.
func (c *dirCache) start(ctx context.Context) {
	go func() {
		defer close(c.done)
		cache := make(map[dirKey]*list.Element)
		inflight := make(map[dirKey][]dirRequest)
		resps := make(chan dirResponse, 8)
		evictList := list.New()
		totalSize := 0
		c.metrics.initCacheStats(c.limitBytes)

		for {
			select {
			case <-ctx.Done():
				return
			case req := <-c.reqs:
				key := req.key
				if val, ok := cache[key]; ok {
					evictList.MoveToFront(val)
					req.value <- val.Value.(*dirResponse).result
					c.metrics.cacheRequest(key.archive, "hit")
				} else if _, ok := inflight[key]; ok {
					inflight[key] = append(inflight[key], req)
					c.metrics.cacheRequest(key.archive, "hit")
				} else {
					inflight[key] = []dirRequest{req}
					c.metrics.cacheRequest(key.archive, "miss")
					go func() {
						// fetched under the loop context: one requester going away must not fail the others
						entries, err := req.fetch(ctx)
						if err != nil {
							c.logger.Warn("failed to fetch directory", zap.String("archive", key.archive),
								zap.Uint64("offset", key.offset), zap.Uint32("length", key.length), zap.Error(err))
						}
						select {
						case resps <- dirResponse{key: key, result: dirResult{entries, err}, size: 24 * len(entries)}:
						case <-ctx.Done():
						}
					}()
				}
			case resp := <-resps:
				key := resp.key
				// check if there are any requests waiting on the key
				for _, v := range inflight[key] {
					v.value <- resp.result
				}
				delete(inflight, key)

				if resp.result.err != nil {
					continue
				}
				totalSize += resp.size
				ent := &resp
				entry := evictList.PushFront(ent)
				cache[key] = entry

				for totalSize > c.limitBytes {
					ent := evictList.Back()
					if ent == nil {
						break
					}
					evictList.Remove(ent)
					kv := ent.Value.(*dirResponse)
					delete(cache, kv.key)
					totalSize -= kv.size
				}
				c.metrics.updateCacheStats(totalSize, len(cache))
			}
		}
	}()
}
