package heap

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
)

// threadHeaps is the only cross-thread structure in the package: a registry
// of lazily created per-thread allocators keyed by OS thread id. Each heap
// in it is only ever driven by its own thread; the registry lock guards the
// map, not the heaps.
var threadHeaps = struct {
	mutex sync.RWMutex
	heaps *swiss.Map[int64, *Allocator]
}{
	heaps: swiss.NewMap[int64, *Allocator](8),
}

// currentHeap returns the calling thread's allocator, creating and
// registering it on first use.
func currentHeap() *Allocator {
	tid := threadID()

	threadHeaps.mutex.RLock()
	heap, ok := threadHeaps.heaps.Get(tid)
	threadHeaps.mutex.RUnlock()
	if ok {
		return heap
	}

	threadHeaps.mutex.Lock()
	defer threadHeaps.mutex.Unlock()

	heap, ok = threadHeaps.heaps.Get(tid)
	if !ok {
		heap = New(nil, CreateOptions{})
		threadHeaps.heaps.Put(tid, heap)
	}

	return heap
}

// ThreadGuard scopes the calling thread's heap. Closing it runs Cleanup and
// removes the heap from the registry, standing in for the thread-exit
// destructor the platform does not offer.
type ThreadGuard struct {
	tid  int64
	once sync.Once
}

// Acquire registers the calling thread's heap idempotently and returns a
// guard that tears it down. Goroutines that want the strict thread-local
// contract should pin themselves with runtime.LockOSThread for the guard's
// lifetime. Dropping a guard without closing it lets a finalizer release the
// heap's memory eventually; Close is the deterministic path.
func Acquire() *ThreadGuard {
	currentHeap()

	guard := &ThreadGuard{tid: threadID()}
	runtime.SetFinalizer(guard, func(g *ThreadGuard) {
		g.Close()
	})

	return guard
}

// Close tears down the guarded thread's heap. Idempotent.
func (g *ThreadGuard) Close() {
	g.once.Do(func() {
		releaseHeap(g.tid)
	})
	runtime.SetFinalizer(g, nil)
}

func releaseHeap(tid int64) {
	threadHeaps.mutex.Lock()
	heap, ok := threadHeaps.heaps.Get(tid)
	if ok {
		threadHeaps.heaps.Delete(tid)
	}
	threadHeaps.mutex.Unlock()

	if ok {
		heap.Cleanup()
	}
}

// ReleaseThread tears down the calling thread's heap, if one exists.
func ReleaseThread() {
	releaseHeap(threadID())
}

// Allocate services the request on the calling thread's heap.
func Allocate(size int) unsafe.Pointer {
	return currentHeap().Allocate(size)
}

// Deallocate returns a block to the calling thread's heap. Blocks must be
// freed on the thread that allocated them.
func Deallocate(ptr unsafe.Pointer) {
	currentHeap().Deallocate(ptr)
}

// Reallocate resizes a block on the calling thread's heap.
func Reallocate(ptr unsafe.Pointer, newSize int) unsafe.Pointer {
	return currentHeap().Reallocate(ptr, newSize)
}

// Callocate allocates a zero-filled block on the calling thread's heap.
func Callocate(count, size int) unsafe.Pointer {
	return currentHeap().Callocate(count, size)
}

// Cleanup releases the calling thread's caches and idle pools. The heap
// stays registered and usable.
func Cleanup() {
	threadHeaps.mutex.RLock()
	heap, ok := threadHeaps.heaps.Get(threadID())
	threadHeaps.mutex.RUnlock()

	if ok {
		heap.Cleanup()
	}
}
