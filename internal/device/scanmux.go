package device

import (
	"context"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/srg/blepm/internal/groutine"
)

// ScanFunc runs one radio scan, passing every advertisement to emit, until
// ctx is done or the radio fails.
type ScanFunc func(ctx context.Context, emit func(Advertisement)) error

// ScanMux shares one radio scan between any number of overlapping Scan
// callers. BLE stacks keep a single scan handler per adapter, so a second
// stack-level scan would replace the first one's handler and stopping either
// would stop both.
type ScanMux struct {
	scan ScanFunc

	mu     sync.Mutex
	run    *scanRun
	last   *scanRun
	nextID uint64
}

// scanRun is one underlying radio scan and the handlers attached to it.
type scanRun struct {
	handlers *hashmap.Map[uint64, func(Advertisement)]
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

func (r *scanRun) emit(adv Advertisement) {
	r.handlers.Range(func(_ uint64, h func(Advertisement)) bool {
		h(adv)
		return true
	})
}

// NewScanMux creates a multiplexer over scan.
func NewScanMux(scan ScanFunc) *ScanMux {
	return &ScanMux{scan: scan}
}

// Scan attaches handler to the running radio scan, starting one if needed,
// and blocks until ctx is done or the radio scan ends. The radio scan is
// cancelled when its last handler leaves. A new radio scan does not start
// before the previous one has returned.
func (m *ScanMux) Scan(ctx context.Context, handler func(Advertisement)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, id := m.join(handler)

	select {
	case <-ctx.Done():
		m.leave(r, id)
		return ctx.Err()
	case <-r.done:
		if err := ctx.Err(); err != nil {
			return err
		}
		return r.err
	}
}

// Handlers returns the number of callers attached to the running radio scan.
func (m *ScanMux) Handlers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return 0
	}
	return m.run.handlers.Len()
}

func (m *ScanMux) join(handler func(Advertisement)) (*scanRun, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	if m.run != nil {
		m.run.handlers.Set(id, handler)
		return m.run, id
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &scanRun{
		handlers: hashmap.New[uint64, func(Advertisement)](),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	r.handlers.Set(id, handler)
	prev := m.last
	m.run, m.last = r, r

	groutine.Go(ctx, "scan-mux", func(ctx context.Context) {
		var err error
		if prev != nil {
			<-prev.done
		}
		if ctx.Err() == nil {
			err = m.scan(ctx, r.emit)
		}

		m.mu.Lock()
		if m.run == r {
			m.run = nil
		}
		r.err = err
		m.mu.Unlock()
		cancel()
		close(r.done)
	})
	return r, id
}

func (m *ScanMux) leave(r *scanRun, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.handlers.Del(id)
	if r.handlers.Len() == 0 && m.run == r {
		m.run = nil
		r.cancel()
	}
}
