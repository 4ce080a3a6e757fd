package resources

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lattice-faas/scheduler/internal/message"
)

type stubRemoteQuerier struct {
	res message.HostResources
	err error
}

func (s stubRemoteQuerier) GetResources(ctx context.Context, host string) (message.HostResources, error) {
	return s.res, s.err
}

func TestClaimAndVacateSlots(t *testing.T) {
	v := New(4, stubRemoteQuerier{})

	v.ClaimSlots(3)
	if got := v.UsedSlots(); got != 3 {
		t.Fatalf("UsedSlots() = %d, want 3", got)
	}

	v.VacateSlot()
	if got := v.UsedSlots(); got != 2 {
		t.Fatalf("UsedSlots() after VacateSlot = %d, want 2", got)
	}

	v.VacateSlots(2)
	if got := v.UsedSlots(); got != 0 {
		t.Fatalf("UsedSlots() after VacateSlots = %d, want 0", got)
	}
}

func TestUsedSlotsFloorsAtZero(t *testing.T) {
	v := New(4, stubRemoteQuerier{})
	v.VacateSlot() // going negative
	if got := v.UsedSlots(); got != 0 {
		t.Fatalf("UsedSlots() = %d, want floored at 0", got)
	}
}

func TestGetThisHostResources(t *testing.T) {
	v := New(8, stubRemoteQuerier{})
	v.ClaimSlots(5)

	res := v.GetThisHostResources()
	if res.Slots != 8 || res.UsedSlots != 5 {
		t.Fatalf("GetThisHostResources() = %+v, want Slots=8 UsedSlots=5", res)
	}
}

func TestGetRemoteResourcesDelegatesToQuerier(t *testing.T) {
	want := message.HostResources{Slots: 2, UsedSlots: 1}
	v := New(4, stubRemoteQuerier{res: want})

	got, err := v.GetRemoteResources(context.Background(), "host-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("GetRemoteResources() = %+v, want %+v", got, want)
	}
}

func TestGetRemoteResourcesPropagatesError(t *testing.T) {
	wantErr := errors.New("dial failed")
	v := New(4, stubRemoteQuerier{err: wantErr})

	_, err := v.GetRemoteResources(context.Background(), "host-b")
	if !errors.Is(err, wantErr) {
		t.Fatalf("GetRemoteResources() error = %v, want %v", err, wantErr)
	}
}

func TestSetSlotsAndSlots(t *testing.T) {
	v := New(4, stubRemoteQuerier{})
	if got := v.Slots(); got != 4 {
		t.Fatalf("Slots() = %d, want 4", got)
	}
	v.SetSlots(10)
	if got := v.Slots(); got != 10 {
		t.Fatalf("Slots() after SetSlots = %d, want 10", got)
	}
}

func TestClaimSlotsConcurrent(t *testing.T) {
	v := New(100, stubRemoteQuerier{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.ClaimSlots(1)
		}()
	}
	wg.Wait()
	if got := v.UsedSlots(); got != 50 {
		t.Fatalf("UsedSlots() after concurrent claims = %d, want 50", got)
	}
}
