package scanner

import (
	"sync"
	"time"

	"github.com/hitushen/netpresence/internal/models"
)

// Status 是对外提供的只读快照。
type Status struct {
	Networks    []models.ScanResult `json:"networks"`
	Scanning    bool                `json:"scanning"`
	LastUpdated *time.Time          `json:"lastUpdated"`
}

// Cache 持有最近一次完整扫描的结果以及扫描中标记。
// 结果整体替换，读者不会看到部分更新。
type Cache struct {
	mu          sync.RWMutex
	results     []models.ScanResult
	lastUpdated time.Time
	scanning    bool
}

// NewCache 返回空缓存。
func NewCache() *Cache {
	return &Cache{results: []models.ScanResult{}}
}

// TryBegin 原子地从空闲切换到扫描中，已在扫描时返回 false。
func (c *Cache) TryBegin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanning {
		return false
	}
	c.scanning = true
	return true
}

// Publish 同时替换结果、时间戳并清除扫描标记。
func (c *Cache) Publish(results []models.ScanResult, at time.Time) {
	if results == nil {
		results = []models.ScanResult{}
	}
	c.mu.Lock()
	c.results = results
	c.lastUpdated = at
	c.scanning = false
	c.mu.Unlock()
}

// Abort 清除扫描标记但保留旧结果。
func (c *Cache) Abort() {
	c.mu.Lock()
	c.scanning = false
	c.mu.Unlock()
}

// Snapshot 返回当前状态。发布后的结果不再被修改，可以直接共享。
func (c *Cache) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{Networks: c.results, Scanning: c.scanning}
	if !c.lastUpdated.IsZero() {
		ts := c.lastUpdated
		st.LastUpdated = &ts
	}
	return st
}
