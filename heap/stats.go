package heap

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/jalloc/jalloc"
	"github.com/jalloc/jalloc/metadata"
)

// BuildStatsString renders the allocator's current state as a JSON document.
// With detailed set, every pool fleet and large-cache bucket is itemized.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	var stats jalloc.Statistics
	a.CalculateStatistics(&stats)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	totalObj := obj.Name("Total").Object()
	totalObj.Name("Pools").Int(stats.PoolCount)
	totalObj.Name("PoolBytes").Int(stats.PoolBytes)
	totalObj.Name("Allocations").Int(stats.AllocationCount)
	totalObj.Name("AllocationBytes").Int(stats.AllocationBytes)
	totalObj.End()

	if detailed {
		a.printPoolFleets(&obj)
		a.printLargeCache(&obj)
	}

	obj.End()

	return string(writer.Bytes())
}

func (a *Allocator) printPoolFleets(json *jwriter.ObjectState) {
	fleetObj := json.Name("SizeClasses").Object()
	defer fleetObj.End()

	for sizeClass := 0; sizeClass < metadata.SizeClasses; sizeClass++ {
		count := a.poolMgr.poolCount[sizeClass]
		tiny := sizeClass < metadata.TinyClasses && a.tinyPools[sizeClass] != nil
		if count == 0 && !tiny {
			continue
		}

		classObj := fleetObj.Name(strconv.Itoa(sizeClass)).Object()
		classObj.Name("SlotSize").Int(metadata.Classes[sizeClass].SlotSize)
		classObj.Name("BlocksPerPool").Int(metadata.Classes[sizeClass].Blocks)

		poolArray := classObj.Name("Pools").Array()
		if tiny {
			var tinyStats jalloc.Statistics
			a.tinyPools[sizeClass].AddStatistics(uint8(sizeClass), &tinyStats)

			poolObj := poolArray.Object()
			poolObj.Name("Tiny").Bool(true)
			poolObj.Name("Allocations").Int(tinyStats.AllocationCount)
			poolObj.End()
		}
		for i := 0; i < count; i++ {
			entry := &a.poolMgr.pools[sizeClass][i]

			poolObj := poolArray.Object()
			poolObj.Name("Base").String(strconv.FormatUint(uint64(entry.pool.Base()), 16))
			poolObj.Name("UsedBlocks").Int(entry.usedBlocks)
			poolObj.End()
		}
		poolArray.End()

		classObj.End()
	}
}

func (a *Allocator) printLargeCache(json *jwriter.ObjectState) {
	cacheObj := json.Name("LargeBlockCache").Object()
	defer cacheObj.End()

	cacheObj.Name("TotalCachedBytes").Int(int(a.largeCache.totalCached.Load()))

	bucketArray := cacheObj.Name("Buckets").Array()
	defer bucketArray.End()

	for b := 0; b < LargeCacheBuckets; b++ {
		bucket := &a.largeCache.buckets[b]

		bucketObj := bucketArray.Object()
		bucketObj.Name("MinSize").Int(MinCacheBlock << b)

		entryArray := bucketObj.Name("Entries").Array()
		for i := 0; i < BucketSlots; i++ {
			entry := &bucket.entries[i]
			if entry.ptr.Load() == 0 {
				continue
			}

			entryObj := entryArray.Object()
			entryObj.Name("Size").Int(entry.size)
			entryObj.Name("LastUse").Int(int(entry.lastUse))
			entryObj.End()
		}
		entryArray.End()

		bucketObj.End()
	}
}
