package tempest

import "testing"

func TestReliableQueueInOrderDelivery(t *testing.T) {
	q := NewReliableQueue()
	for i := int32(0); i < 5; i++ {
		ready := q.Enqueue(i, &mockMessage{Value: i})
		if len(ready) != 1 || ready[0].id != i {
			t.Fatalf("expected immediate delivery of id %d, got %+v", i, ready)
		}
	}
}

func TestReliableQueueBuffersOutOfOrderThenDrains(t *testing.T) {
	q := NewReliableQueue()

	if ready := q.Enqueue(2, &mockMessage{Value: 2}); len(ready) != 0 {
		t.Fatalf("expected id 2 to buffer, got %+v", ready)
	}
	if ready := q.Enqueue(1, &mockMessage{Value: 1}); len(ready) != 0 {
		t.Fatalf("expected id 1 to buffer, got %+v", ready)
	}
	ready := q.Enqueue(0, &mockMessage{Value: 0})
	if len(ready) != 3 {
		t.Fatalf("expected ids 0,1,2 to drain together, got %+v", ready)
	}
	for i, entry := range ready {
		if entry.id != int32(i) {
			t.Fatalf("expected contiguous ascending run, got %+v", ready)
		}
	}
}

func TestReliableQueueDropsDuplicate(t *testing.T) {
	q := NewReliableQueue()
	q.Enqueue(5, &mockMessage{Value: 5})
	if ready := q.Enqueue(5, &mockMessage{Value: 99}); ready != nil {
		t.Fatalf("expected duplicate id to be dropped, got %+v", ready)
	}
}

func TestReliableQueueClearResets(t *testing.T) {
	q := NewReliableQueue()
	q.Enqueue(3, &mockMessage{Value: 3})
	q.Clear()
	ready := q.Enqueue(0, &mockMessage{Value: 0})
	if len(ready) != 1 || ready[0].id != 0 {
		t.Fatalf("expected queue to restart at id 0 after Clear, got %+v", ready)
	}
}

func TestReliableQueueWraparound(t *testing.T) {
	q := NewReliableQueue()
	q.nextExpectedID = MaxMessageID - 1

	ready := q.Enqueue(MaxMessageID-1, &mockMessage{Value: -1})
	if len(ready) != 1 {
		t.Fatalf("expected delivery at top of id space, got %+v", ready)
	}
	if q.nextExpectedID != 0 {
		t.Fatalf("expected wraparound to 0, got %d", q.nextExpectedID)
	}

	ready = q.Enqueue(0, &mockMessage{Value: 0})
	if len(ready) != 1 || ready[0].id != 0 {
		t.Fatalf("expected post-wraparound id 0 to deliver, got %+v", ready)
	}
}
