package kvstore

import (
	"context"
	"testing"
	"time"
)

func TestSetAddMembersRemove(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SetAdd(ctx, "hosts:fn", "host-a"); err != nil {
		t.Fatalf("SetAdd: %v", err)
	}
	if err := s.SetAdd(ctx, "hosts:fn", "host-b"); err != nil {
		t.Fatalf("SetAdd: %v", err)
	}

	members, err := s.SetMembers(ctx, "hosts:fn")
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("SetMembers() = %v, want 2 entries", members)
	}

	if err := s.SetRemove(ctx, "hosts:fn", "host-a"); err != nil {
		t.Fatalf("SetRemove: %v", err)
	}
	members, err = s.SetMembers(ctx, "hosts:fn")
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "host-b" {
		t.Fatalf("SetMembers() after remove = %v, want [host-b]", members)
	}
}

func TestSetMembersUnknownSetIsEmpty(t *testing.T) {
	s := NewMemoryStore()
	members, err := s.SetMembers(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("SetMembers() = %v, want empty", members)
	}
}

func TestBlobPushPopFIFO(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.BlobPush(ctx, "queue:1", []byte("first"), time.Minute); err != nil {
		t.Fatalf("BlobPush: %v", err)
	}
	if err := s.BlobPush(ctx, "queue:1", []byte("second"), time.Minute); err != nil {
		t.Fatalf("BlobPush: %v", err)
	}

	v, ok, err := s.BlobPop(ctx, "queue:1", time.Second)
	if err != nil || !ok {
		t.Fatalf("BlobPop: ok=%v err=%v", ok, err)
	}
	if string(v) != "first" {
		t.Fatalf("BlobPop() = %q, want %q", v, "first")
	}

	v, ok, err = s.BlobPop(ctx, "queue:1", time.Second)
	if err != nil || !ok {
		t.Fatalf("BlobPop: ok=%v err=%v", ok, err)
	}
	if string(v) != "second" {
		t.Fatalf("BlobPop() = %q, want %q", v, "second")
	}
}

func TestBlobPopTimesOutOnEmptyQueue(t *testing.T) {
	s := NewMemoryStore()
	_, ok, err := s.BlobPop(context.Background(), "queue:empty", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("BlobPop: %v", err)
	}
	if ok {
		t.Fatal("BlobPop() ok = true, want false on empty queue timeout")
	}
}

func TestBlobPopZeroTimeoutIsNonBlocking(t *testing.T) {
	s := NewMemoryStore()
	start := time.Now()
	_, ok, err := s.BlobPop(context.Background(), "queue:empty", 0)
	if err != nil {
		t.Fatalf("BlobPop: %v", err)
	}
	if ok {
		t.Fatal("BlobPop() ok = true, want false")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("BlobPop with zero timeout should return immediately")
	}
}

func TestBlobPopWakesOnPush(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	done := make(chan []byte, 1)

	go func() {
		v, ok, err := s.BlobPop(ctx, "queue:wake", time.Second)
		if err != nil || !ok {
			t.Errorf("BlobPop: ok=%v err=%v", ok, err)
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.BlobPush(ctx, "queue:wake", []byte("woke"), time.Minute); err != nil {
		t.Fatalf("BlobPush: %v", err)
	}

	select {
	case v := <-done:
		if string(v) != "woke" {
			t.Fatalf("BlobPop() = %q, want %q", v, "woke")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for BlobPop to wake on push")
	}
}

func TestBlobSetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := s.BlobGet(ctx, "status:host-a"); err != nil || ok {
		t.Fatalf("BlobGet before set: ok=%v err=%v, want ok=false", ok, err)
	}

	if err := s.BlobSet(ctx, "status:host-a", []byte("ready"), time.Minute); err != nil {
		t.Fatalf("BlobSet: %v", err)
	}
	v, ok, err := s.BlobGet(ctx, "status:host-a")
	if err != nil || !ok {
		t.Fatalf("BlobGet: ok=%v err=%v", ok, err)
	}
	if string(v) != "ready" {
		t.Fatalf("BlobGet() = %q, want %q", v, "ready")
	}
}

func TestPublishSubscribe(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, "broker:group-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := s.Publish(context.Background(), "broker:group-1", []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		if string(msg) != "payload" {
			t.Fatalf("received = %q, want %q", msg, "payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Publish(context.Background(), "broker:nobody", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestCloseSucceeds(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
