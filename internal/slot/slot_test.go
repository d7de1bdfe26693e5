package slot

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/door-relay/internal/device"
	"github.com/PetoAdam/homenavi/door-relay/internal/device/devicetest"
)

func newLink() *device.Link {
	return device.NewLink(devicetest.NewConn(), "127.0.0.1:0")
}

func TestClaimIsExclusiveUnderContention(t *testing.T) {
	s := New()

	const contenders = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*device.Link
		losers  int
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := newLink()
			<-start
			err := s.Claim(l)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, l)
			case errors.Is(err, ErrAlreadyOccupied):
				losers++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	if losers != contenders-1 {
		t.Fatalf("expected %d rejected claims, got %d", contenders-1, losers)
	}
	if s.Current() != winners[0] {
		t.Fatalf("occupant is not the winning link")
	}
}

func TestClaimFailsUntilRelease(t *testing.T) {
	s := New()
	first, second := newLink(), newLink()

	if err := s.Claim(first); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := s.Claim(second); !errors.Is(err, ErrAlreadyOccupied) {
		t.Fatalf("expected ErrAlreadyOccupied, got %v", err)
	}
	if s.Current() != first {
		t.Fatalf("rejected claim disturbed the occupant")
	}

	if !s.Release(first) {
		t.Fatalf("release of occupant reported no-op")
	}
	if s.Current() != nil {
		t.Fatalf("slot not vacant after release")
	}
	if err := s.Claim(second); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestReleaseOfStaleLinkIsNoop(t *testing.T) {
	s := New()
	stale, fresh := newLink(), newLink()

	if err := s.Claim(stale); err != nil {
		t.Fatalf("claim: %v", err)
	}
	s.Release(stale)
	if err := s.Claim(fresh); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}
	before := s.LastChange()

	if s.Release(stale) {
		t.Fatalf("stale release reported success")
	}
	if s.Current() != fresh {
		t.Fatalf("stale release evicted the newer occupant")
	}
	if !s.LastChange().Equal(before) {
		t.Fatalf("stale release touched last change")
	}
	if s.Release(nil) {
		t.Fatalf("nil release reported success")
	}
}

func TestLastChangeStampsTransitionsOnly(t *testing.T) {
	s := New()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	if !s.LastChange().IsZero() {
		t.Fatalf("expected zero last change before any transition")
	}
	l := newLink()
	if err := s.Claim(l); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !s.LastChange().Equal(clock) {
		t.Fatalf("claim did not stamp last change")
	}

	clock = clock.Add(time.Minute)
	_ = s.Claim(newLink())
	_ = s.Current()
	if s.LastChange().Equal(clock) {
		t.Fatalf("failed claim or read stamped last change")
	}

	s.Release(l)
	if !s.LastChange().Equal(clock) {
		t.Fatalf("release did not stamp last change")
	}
}

func TestClaimRejectsNil(t *testing.T) {
	if err := New().Claim(nil); err == nil {
		t.Fatalf("expected error for nil link")
	}
}
