package core

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultSummaryTTL      = 10 * time.Minute
	DefaultCleanupInterval = 30 * time.Minute
)

// SummaryCache keeps rendered summaries keyed by deployment id, so a
// redeployed model never sees the summary of the record it replaced.
type SummaryCache struct {
	cache *gocache.Cache
}

// NewSummaryCache creates a cache whose entries expire after ttl.
func NewSummaryCache(ttl, cleanupInterval time.Duration) *SummaryCache {
	return &SummaryCache{cache: gocache.New(ttl, cleanupInterval)}
}

func summaryKey(deploymentID string, extended bool) string {
	return deploymentID + "/" + strconv.FormatBool(extended)
}

func (c *SummaryCache) get(record *ModelRecord, extended bool) (*ModelSummary, bool) {
	if c == nil {
		return nil, false
	}
	value, found := c.cache.Get(summaryKey(record.DeploymentID, extended))
	if !found {
		return nil, false
	}
	summary, ok := value.(ModelSummary)
	if !ok {
		return nil, false
	}
	return &summary, true
}

func (c *SummaryCache) put(record *ModelRecord, extended bool, summary *ModelSummary) {
	if c == nil {
		return
	}
	c.cache.SetDefault(summaryKey(record.DeploymentID, extended), *summary)
}

func (c *SummaryCache) forget(record *ModelRecord) {
	if c == nil || record == nil {
		return
	}
	c.cache.Delete(summaryKey(record.DeploymentID, false))
	c.cache.Delete(summaryKey(record.DeploymentID, true))
}

func (c *SummaryCache) flush() {
	if c == nil {
		return
	}
	c.cache.Flush()
}

// Len returns the number of cached summaries, expired ones included.
func (c *SummaryCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.ItemCount()
}
