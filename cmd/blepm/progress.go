package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a phase with elapsed time on a single line.
//
// Usage:
//
//	p := NewProgressPrinter(w, ...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: Start at most once, Stop any number of times.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value        // stores string - current phase name
	stopPhases map[string]struct{} // set of phases that trigger a graceful shutdown
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{} // closed when goroutine exits
	started    atomic.Bool
}

// NewProgressPrinter creates a progress printer that counts up.
// stopPhases are phase names that stop the printer when set via Callback.
func NewProgressPrinter(out io.Writer, prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{})
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: stopSet,
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))
	go p.loop(ticker, p.stopChan)
}

func (p *ProgressPrinter) loop(ticker *time.Ticker, stop <-chan struct{}) {
	defer close(p.done)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			phase := p.phase.Load().(string)
			if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
				return
			}
			seconds := int(time.Since(p.startTime).Seconds())
			if seconds > 0 {
				fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
			} else {
				fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
			}
		}
	}
}

// Callback returns a function that updates the phase; a stop phase stops the
// printer. Safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
			p.Stop()
		}
	}
}

// Stop stops the display and clears the line. Only the first call has an effect.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}
