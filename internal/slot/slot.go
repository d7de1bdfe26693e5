// Package slot holds the single device link the relay accepts.
package slot

import (
	"errors"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/door-relay/internal/device"
)

var ErrAlreadyOccupied = errors.New("another device is connected")

// Slot is the one place the live device link is stored. Claim and Release
// are serialized by mu so two sessions can never both observe a vacancy.
type Slot struct {
	mu         sync.Mutex
	occupant   *device.Link
	lastChange time.Time
	now        func() time.Time
}

func New() *Slot {
	return &Slot{now: time.Now}
}

// Claim stores link if the slot is vacant. The current occupant is left
// untouched when it is not.
func (s *Slot) Claim(link *device.Link) error {
	if link == nil {
		return errors.New("nil link")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.occupant != nil {
		return ErrAlreadyOccupied
	}
	s.occupant = link
	s.lastChange = s.now()
	return nil
}

// Release vacates the slot only if link is still the occupant, so a stale
// session cannot evict a newer device. It reports whether it did.
func (s *Slot) Release(link *device.Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link == nil || s.occupant != link {
		return false
	}
	s.occupant = nil
	s.lastChange = s.now()
	return true
}

func (s *Slot) Current() *device.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occupant
}

// LastChange is the time of the last occupancy transition, zero if none.
func (s *Slot) LastChange() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChange
}
