package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAdvertisement struct {
	name, addr string
}

func (a testAdvertisement) LocalName() string  { return a.name }
func (a testAdvertisement) Addr() string       { return a.addr }
func (a testAdvertisement) RSSI() int          { return -50 }
func (a testAdvertisement) Connectable() bool  { return true }
func (a testAdvertisement) Services() []string { return nil }

// singleSlotRadio keeps one scan handler, like a real adapter. It records how
// many radio scans ran and how many overlapped.
type singleSlotRadio struct {
	mu        sync.Mutex
	handler   func(Advertisement)
	calls     int
	active    int
	maxActive int
	stopDelay time.Duration
	fail      chan error
}

func newSingleSlotRadio() *singleSlotRadio {
	return &singleSlotRadio{fail: make(chan error, 1)}
}

func (r *singleSlotRadio) scan(ctx context.Context, emit func(Advertisement)) error {
	r.mu.Lock()
	r.calls++
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	r.handler = emit
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.handler = nil
		r.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		time.Sleep(r.stopDelay)
		return ctx.Err()
	case err := <-r.fail:
		return err
	}
}

func (r *singleSlotRadio) advertise(name, addr string) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(testAdvertisement{name: name, addr: addr})
	}
}

func (r *singleSlotRadio) stats() (calls, active, maxActive int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.active, r.maxActive
}

type scanCaller struct {
	cancel context.CancelFunc
	seen   chan Identity
	done   chan error
}

func startScan(m *ScanMux) *scanCaller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &scanCaller{cancel: cancel, seen: make(chan Identity, 16), done: make(chan error, 1)}
	go func() {
		c.done <- m.Scan(ctx, func(adv Advertisement) { c.seen <- IdentityOf(adv) })
	}()
	return c
}

func (c *scanCaller) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(time.Second):
		t.Fatal("Scan MUST return")
		return nil
	}
}

func TestScanMux_OverlappingScansShareOneRadioScan(t *testing.T) {
	// GOAL: Verify two overlapping callers both see adverts from a single radio scan
	//
	// TEST SCENARIO: two callers attach → advert reaches both → second leaves → first still scanning → first leaves → radio stops

	radio := newSingleSlotRadio()
	mux := NewScanMux(radio.scan)

	first := startScan(mux)
	second := startScan(mux)
	require.Eventually(t, func() bool { return mux.Handlers() == 2 }, time.Second, time.Millisecond)

	radio.advertise("Scale-A", "AA:AA")
	assert.Equal(t, Identity{Name: "Scale-A", Address: "AA:AA"}, <-first.seen)
	assert.Equal(t, Identity{Name: "Scale-A", Address: "AA:AA"}, <-second.seen)

	second.cancel()
	assert.ErrorIs(t, second.wait(t), context.Canceled)
	assert.Equal(t, 1, mux.Handlers())

	radio.advertise("Scale-B", "BB:BB")
	assert.Equal(t, Identity{Name: "Scale-B", Address: "BB:BB"}, <-first.seen, "remaining caller MUST keep receiving adverts")
	assert.Empty(t, second.seen)

	calls, active, maxActive := radio.stats()
	assert.Equal(t, 1, calls, "overlapping callers MUST share one radio scan")
	assert.Equal(t, 1, active, "radio MUST keep scanning while a caller is attached")
	assert.Equal(t, 1, maxActive)

	first.cancel()
	assert.ErrorIs(t, first.wait(t), context.Canceled)
	assert.Eventually(t, func() bool {
		_, active, _ := radio.stats()
		return active == 0
	}, time.Second, time.Millisecond, "radio scan MUST stop when the last caller leaves")
}

func TestScanMux_CancelledContextReturnsAtOnce(t *testing.T) {
	radio := newSingleSlotRadio()
	mux := NewScanMux(radio.scan)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, mux.Scan(ctx, func(Advertisement) {}), context.Canceled)
	calls, _, _ := radio.stats()
	assert.Zero(t, calls, "cancelled caller MUST NOT start a radio scan")
}

func TestScanMux_FailureReachesEveryCaller(t *testing.T) {
	radio := newSingleSlotRadio()
	mux := NewScanMux(radio.scan)

	first := startScan(mux)
	second := startScan(mux)
	require.Eventually(t, func() bool { return mux.Handlers() == 2 }, time.Second, time.Millisecond)

	radio.fail <- errors.New("adapter gone")
	assert.EqualError(t, first.wait(t), "adapter gone")
	assert.EqualError(t, second.wait(t), "adapter gone")

	third := startScan(mux)
	defer third.cancel()
	require.Eventually(t, func() bool {
		calls, active, _ := radio.stats()
		return calls == 2 && active == 1
	}, time.Second, time.Millisecond, "next caller MUST start a fresh radio scan")
}

func TestScanMux_RestartWaitsForPreviousScan(t *testing.T) {
	radio := newSingleSlotRadio()
	radio.stopDelay = 50 * time.Millisecond
	mux := NewScanMux(radio.scan)

	first := startScan(mux)
	require.Eventually(t, func() bool { _, active, _ := radio.stats(); return active == 1 }, time.Second, time.Millisecond)
	first.cancel()
	require.ErrorIs(t, first.wait(t), context.Canceled)

	second := startScan(mux)
	defer second.cancel()
	require.Eventually(t, func() bool { calls, _, _ := radio.stats(); return calls == 2 }, time.Second, time.Millisecond)

	_, _, maxActive := radio.stats()
	assert.Equal(t, 1, maxActive, "radio scans MUST NOT overlap while the previous one stops")

	radio.advertise("Scale-A", "AA:AA")
	assert.Equal(t, Identity{Name: "Scale-A", Address: "AA:AA"}, <-second.seen)
}
