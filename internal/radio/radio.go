// Package radio reports whether the host Bluetooth radio is usable.
package radio

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Radio reports the adapter power state. Watch blocks until ctx is done and
// calls fn for every power change.
type Radio interface {
	Enabled() bool
	Watch(ctx context.Context, fn func(enabled bool)) error
}

// Permissions gates every scan and connection attempt.
type Permissions interface {
	Granted() bool
}

// Switch is a radio whose power can be changed by the program.
type Switch interface {
	SetPowered(on bool) error
}

// Source is a radio that also answers the permission question.
type Source interface {
	Radio
	Permissions
	Close() error
}

const (
	KindBlueZ  = "bluez"
	KindStatic = "static"
)

// Open returns the radio source named by kind.
func Open(kind, adapter string, logger *logrus.Logger) (Source, error) {
	switch kind {
	case KindBlueZ:
		return NewBlueZ(adapter, logger)
	case KindStatic, "":
		return NewStatic(true, true), nil
	default:
		return nil, fmt.Errorf("unknown radio %q (want %s or %s)", kind, KindBlueZ, KindStatic)
	}
}

// Static is a radio whose state is set by the program. Platforms without a
// power API use it with both flags true; tests flip it by hand.
type Static struct {
	mu       sync.Mutex
	enabled  bool
	granted  bool
	watchers map[int]func(bool)
	next     int
}

func NewStatic(enabled, granted bool) *Static {
	return &Static{enabled: enabled, granted: granted, watchers: make(map[int]func(bool))}
}

func (s *Static) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Static) Granted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted
}

// SetGranted changes the permission answer.
func (s *Static) SetGranted(granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted = granted
}

// SetEnabled changes the power state and notifies watchers if it flipped.
func (s *Static) SetEnabled(enabled bool) {
	s.mu.Lock()
	if s.enabled == enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = enabled
	fns := make([]func(bool), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(enabled)
	}
}

// SetPowered is SetEnabled as a Switch.
func (s *Static) SetPowered(on bool) error {
	s.SetEnabled(on)
	return nil
}

func (s *Static) Watch(ctx context.Context, fn func(enabled bool)) error {
	s.mu.Lock()
	id := s.next
	s.next++
	s.watchers[id] = fn
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	delete(s.watchers, id)
	s.mu.Unlock()
	return ctx.Err()
}

// Watchers returns the number of running Watch calls.
func (s *Static) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *Static) Close() error { return nil }

var (
	_ Source = (*Static)(nil)
	_ Switch = (*Static)(nil)
)
