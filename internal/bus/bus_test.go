package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_TopicPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		topic  string
		want   bool
	}{
		{"", TopicTaskCreated, true},
		{"task.", TopicTaskStatusChanged, true},
		{TopicTaskEnqueued, TopicTaskEnqueued, true},
		{TopicTaskEnqueued, TopicTaskCreated, false},
		{"task.", "config.reloaded", false},
	}
	for _, tt := range tests {
		b := New()
		sub := b.Subscribe(tt.prefix)
		b.Publish(tt.topic, tt.topic)
		if tt.want {
			if ev := recv(t, sub); ev.Topic != tt.topic || ev.Payload != tt.topic {
				t.Errorf("prefix %q: got %+v", tt.prefix, ev)
			}
		} else {
			expectNone(t, sub)
		}
		b.Unsubscribe(sub)
	}
}

func TestSubscribe_Filters(t *testing.T) {
	b := New()
	even := func(ev Event) bool { n, _ := ev.Payload.(int); return n%2 == 0 }
	positive := func(ev Event) bool { n, _ := ev.Payload.(int); return n > 0 }
	sub := b.Subscribe("n", even, positive)
	defer b.Unsubscribe(sub)

	for _, n := range []int{-2, 1, 3, 4} {
		b.Publish("n", n)
	}
	if ev := recv(t, sub); ev.Payload != 4 {
		t.Fatalf("payload = %v, want 4", ev.Payload)
	}
	expectNone(t, sub)
}

func TestPublish_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	slow := b.Subscribe(TopicTaskStatusChanged)
	defer b.Unsubscribe(slow)
	other := b.Subscribe(TopicTaskCreated)
	defer b.Unsubscribe(other)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskStatusChanged, TaskStatusChangedEvent{TaskID: "a1"})
	}

	if got := len(slow.Ch()); got != defaultBufferSize {
		t.Fatalf("buffered %d, want %d", got, defaultBufferSize)
	}
	if slow.Dropped() != 10 || b.Dropped() != 10 {
		t.Fatalf("dropped sub=%d bus=%d, want 10", slow.Dropped(), b.Dropped())
	}
	if other.Dropped() != 0 {
		t.Fatalf("unrelated subscriber charged %d drops", other.Dropped())
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(TopicTaskCreated, TaskCreatedEvent{})
}

func TestPublish_Concurrent(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const publishers, each = 10, 5
	var wg sync.WaitGroup
	for g := 0; g < publishers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(TopicTaskStatusChanged, TaskStatusChangedEvent{TaskID: "t", NewStatus: string(rune('a' + g))})
			}
		}(g)
	}
	wg.Wait()

	if got := len(sub.Ch()); got != publishers*each {
		t.Fatalf("received %d events, want %d", got, publishers*each)
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(TopicTaskCreated, nil)
	if b.Dropped() != 0 {
		t.Fatal("nil bus should report zero drops")
	}
}
