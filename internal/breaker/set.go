package breaker

import (
	"errors"
	"sort"
)

// ErrUnknownChannel is returned when a channel has no breaker.
var ErrUnknownChannel = errors.New("breaker: unknown channel")

// Set holds one breaker per delivery channel. The set of channels is fixed
// at construction, so lookups need no locking.
type Set struct {
	byName map[string]*Breaker
	names  []string
}

// NewSet builds a CLOSED breaker for every named channel.
func NewSet(channels []string, cfg Config) *Set {
	s := &Set{byName: make(map[string]*Breaker, len(channels))}
	for _, ch := range channels {
		if _, dup := s.byName[ch]; dup {
			continue
		}
		s.byName[ch] = New(ch, cfg)
		s.names = append(s.names, ch)
	}
	sort.Strings(s.names)
	return s
}

// Get returns the breaker for channel.
func (s *Set) Get(channel string) (*Breaker, bool) {
	b, ok := s.byName[channel]
	return b, ok
}

// Names returns the channels in sorted order.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// States maps each channel to its current state name.
func (s *Set) States() map[string]string {
	out := make(map[string]string, len(s.byName))
	for name, b := range s.byName {
		out[name] = b.State().String()
	}
	return out
}

// Snapshots returns every breaker's snapshot, sorted by channel.
func (s *Set) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.byName[name].Snapshot())
	}
	return out
}

// Reset closes the named breaker.
func (s *Set) Reset(channel string) error {
	b, ok := s.byName[channel]
	if !ok {
		return ErrUnknownChannel
	}
	b.Reset()
	return nil
}
