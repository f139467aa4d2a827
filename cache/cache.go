// Package cache 提供带容量上限与 TTL 的泛型 LRU 缓存
package cache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache 并发安全的泛型 LRU 缓存
//
//	instances := cache.New[int64, *saga.Instance](cache.Config{Name: "saga", MaxSize: 10000, TTL: time.Hour})
//	instances.Set(id, inst)
//	if inst, ok := instances.Get(id); ok { ... }
type Cache[K comparable, V any] struct {
	name string
	lru  *expirable.LRU[K, V]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Config 缓存配置
type Config struct {
	// Name 缓存名称（用于日志和统计）
	Name string

	// MaxSize 最大条目数，0 表示不限制
	MaxSize int

	// TTL 写入后的过期时间，0 表示永不过期
	TTL time.Duration
}

// CacheStats 缓存统计信息
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64 // 容量、过期或 Delete 导致的移除
	Size      int
}

// New 创建缓存
func New[K comparable, V any](config Config) *Cache[K, V] {
	if config.Name == "" {
		config.Name = "unnamed"
	}
	c := &Cache[K, V]{name: config.Name}
	c.lru = expirable.NewLRU[K, V](config.MaxSize, func(K, V) { c.evictions.Add(1) }, config.TTL)
	return c
}

// Get 获取缓存值并刷新 LRU 位置
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set 写入或覆盖
func (c *Cache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

// Delete 删除条目，返回是否存在
func (c *Cache[K, V]) Delete(key K) bool {
	return c.lru.Remove(key)
}

// Clear 清空缓存
func (c *Cache[K, V]) Clear() {
	c.lru.Purge()
}

// Size 当前条目数
func (c *Cache[K, V]) Size() int {
	return c.lru.Len()
}

// Stats 统计快照
func (c *Cache[K, V]) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.lru.Len(),
	}
}

// HitRate 命中率
func (c *Cache[K, V]) HitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

func (c *Cache[K, V]) String() string {
	s := c.Stats()
	return fmt.Sprintf("Cache[%s]{size=%d hits=%d misses=%d evictions=%d}", c.name, s.Size, s.Hits, s.Misses, s.Evictions)
}
