package heap

import (
	"io"
	"strings"

	"golang.org/x/exp/slog"

	"github.com/jalloc/jalloc/internal/utils"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagNames = map[CreateFlags]string{}

func (f CreateFlags) Register(str string) {
	createFlagNames[f] = str
}

func (f CreateFlags) String() string {
	if f == 0 {
		return ""
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit != 0 {
			name, ok := createFlagNames[bit]
			if !ok {
				name = "Unknown"
			}
			names = append(names, name)
		}
	}

	return strings.Join(names, "|")
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one thread at a time or is
	// synchronized by some other mechanism, but performance may improve because internal mutexes
	// are not used. Heaps handed out by the per-thread registry leave this flag unset so the
	// teardown finalizer can run safely from the collector's goroutine.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

// CreateOptions contains optional settings when creating an Allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
}

// New creates a new Allocator
//
// logger - Destination for method-entry debug logging. May be nil, in which
// case logs are discarded.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) *Allocator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		mutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
	}
	allocator.poolMgr = newPoolManager(logger)

	return allocator
}
