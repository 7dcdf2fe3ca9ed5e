package heap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/jalloc/jalloc"
	"github.com/jalloc/jalloc/metadata"
)

// MaxPools is the largest fleet of pools a single size class may hold.
const MaxPools = 8

type poolEntry struct {
	pool       *metadata.Pool
	usedBlocks int
}

// poolManager owns the per-class pool fleets for one heap. It grows a class
// by one pool on allocation miss, destroys a pool the moment its last block
// is freed, and indexes pools by page base so the coalescer can find the
// owner of any header without scanning.
type poolManager struct {
	logger *slog.Logger

	pools     [metadata.SizeClasses][MaxPools]poolEntry
	poolCount [metadata.SizeClasses]int
	byBase    *swiss.Map[uintptr, *metadata.Pool]
}

func newPoolManager(logger *slog.Logger) *poolManager {
	return &poolManager{
		logger: logger,
		byBase: swiss.NewMap[uintptr, *metadata.Pool](MaxPools * 4),
	}
}

// Allocate claims a slot for the class, growing the fleet when every
// existing pool is full. Returns nil when the fleet is at MaxPools and
// wedged, or when the OS refuses a new page.
func (m *poolManager) Allocate(sizeClass uint8) unsafe.Pointer {
	for i := 0; i < m.poolCount[sizeClass]; i++ {
		entry := &m.pools[sizeClass][i]
		if ptr := entry.pool.Allocate(); ptr != nil {
			entry.usedBlocks++
			return ptr
		}
	}

	if m.poolCount[sizeClass] >= MaxPools {
		return nil
	}

	pool, err := metadata.NewPool(sizeClass)
	if err != nil {
		m.logger.Debug("poolManager::Allocate failed to grow",
			slog.Int("sizeClass", int(sizeClass)),
			slog.Any("error", err))
		return nil
	}

	ptr := pool.Allocate()
	if ptr == nil {
		_ = pool.Destroy()
		return nil
	}

	m.pools[sizeClass][m.poolCount[sizeClass]] = poolEntry{
		pool:       pool,
		usedBlocks: 1,
	}
	m.poolCount[sizeClass]++
	m.byBase.Put(pool.Base(), pool)
	jalloc.DebugValidate(pool)

	return ptr
}

// Deallocate hands the block back to the pool that owns it, destroying the
// pool when this was its last live block. Unknown blocks are ignored.
func (m *poolManager) Deallocate(block unsafe.Pointer, sizeClass uint8) {
	if uintptr(block)&^(metadata.PageSize-1) == 0 {
		return
	}

	if sizeClass >= metadata.SizeClasses {
		return
	}

	for i := 0; i < m.poolCount[sizeClass]; i++ {
		entry := &m.pools[sizeClass][i]
		if !entry.pool.Contains(block) {
			continue
		}

		entry.pool.Deallocate(block)
		entry.usedBlocks--
		if entry.usedBlocks == 0 {
			m.destroyPoolAt(sizeClass, i)
		} else {
			jalloc.DebugValidate(entry.pool)
		}
		return
	}
}

func (m *poolManager) destroyPoolAt(sizeClass uint8, index int) {
	entry := m.pools[sizeClass][index]
	m.byBase.Delete(entry.pool.Base())

	err := entry.pool.Destroy()
	if err != nil {
		m.logger.Debug("poolManager::destroyPoolAt",
			slog.Int("sizeClass", int(sizeClass)),
			slog.Any("error", err))
	}

	last := m.poolCount[sizeClass] - 1
	m.pools[sizeClass][index] = m.pools[sizeClass][last]
	m.pools[sizeClass][last] = poolEntry{}
	m.poolCount[sizeClass] = last
}

// PoolForAddress returns the pool whose page holds addr, or nil.
func (m *poolManager) PoolForAddress(addr uintptr) *metadata.Pool {
	pool, ok := m.byBase.Get(jalloc.AlignDownPtr(addr, metadata.PageSize))
	if !ok {
		return nil
	}
	return pool
}

// Destroy releases every pool with no live blocks. Pools still holding
// allocations are deliberately leaked: their blocks may be referenced by the
// program and unmapping them would tear memory out from under it.
func (m *poolManager) Destroy() {
	for sizeClass := 0; sizeClass < metadata.SizeClasses; sizeClass++ {
		for i := m.poolCount[sizeClass] - 1; i >= 0; i-- {
			entry := &m.pools[sizeClass][i]
			if entry.usedBlocks == 0 || entry.pool.IsCompletelyFree() {
				m.destroyPoolAt(uint8(sizeClass), i)
			}
		}
	}
}

// Validate runs consistency checks across every fleet.
func (m *poolManager) Validate() error {
	seen := 0
	for sizeClass := 0; sizeClass < metadata.SizeClasses; sizeClass++ {
		for i := 0; i < m.poolCount[sizeClass]; i++ {
			entry := &m.pools[sizeClass][i]
			if entry.pool == nil {
				return errors.Errorf("class %d entry %d holds no pool", sizeClass, i)
			}
			if entry.usedBlocks < 0 {
				return errors.Errorf("class %d entry %d has negative live count", sizeClass, i)
			}

			err := entry.pool.Validate()
			if err != nil {
				return err
			}

			indexed, ok := m.byBase.Get(entry.pool.Base())
			if !ok || indexed != entry.pool {
				return errors.Errorf("class %d entry %d is missing from the page index", sizeClass, i)
			}
			seen++
		}
	}

	if m.byBase.Count() != seen {
		return errors.Errorf("page index holds %d pools but fleets hold %d", m.byBase.Count(), seen)
	}

	return nil
}

// AddStatistics sums every pool's usage into stats.
func (m *poolManager) AddStatistics(stats *jalloc.Statistics) {
	for sizeClass := 0; sizeClass < metadata.SizeClasses; sizeClass++ {
		for i := 0; i < m.poolCount[sizeClass]; i++ {
			m.pools[sizeClass][i].pool.AddStatistics(stats)
		}
	}
}

// AddDetailedStatistics sums every pool's usage into stats.
func (m *poolManager) AddDetailedStatistics(stats *jalloc.DetailedStatistics) {
	for sizeClass := 0; sizeClass < metadata.SizeClasses; sizeClass++ {
		for i := 0; i < m.poolCount[sizeClass]; i++ {
			m.pools[sizeClass][i].pool.AddDetailedStatistics(stats)
		}
	}
}
