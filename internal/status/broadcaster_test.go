package status

import "testing"

func TestSubscribeReplaysCurrent(t *testing.T) {
	b := NewBroadcaster(Info{PendingCount: 3, IsOnline: true})

	var got []Info
	unsub := b.Subscribe(func(info Info) { got = append(got, info) })
	defer unsub()

	if len(got) != 1 {
		t.Fatalf("replay: got %d events, want 1", len(got))
	}
	if got[0].PendingCount != 3 || !got[0].IsOnline {
		t.Fatalf("replayed status: %+v", got[0])
	}
}

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := NewBroadcaster(Info{})

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		defer b.Subscribe(func(Info) { order = append(order, i) })()
	}
	order = nil // drop the replay deliveries

	b.Publish(Info{PendingCount: 1})
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("delivery order: %v", order)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster(Info{})

	count := 0
	unsub := b.Subscribe(func(Info) { count++ })
	unsub()
	b.Publish(Info{PendingCount: 1})

	if count != 1 { // only the replay
		t.Fatalf("events after unsubscribe: %d", count)
	}
}

func TestUpdateMutatesAndPublishes(t *testing.T) {
	b := NewBroadcaster(Info{PendingCount: 2})

	var last Info
	defer b.Subscribe(func(info Info) { last = info })()

	b.Update(func(i *Info) { i.IsSyncing = true })
	if !last.IsSyncing || last.PendingCount != 2 {
		t.Fatalf("updated status: %+v", last)
	}
	if cur := b.Current(); !cur.IsSyncing {
		t.Fatalf("current: %+v", cur)
	}
}

func TestListenerMaySubscribeDuringPublish(t *testing.T) {
	b := NewBroadcaster(Info{})

	nested := 0
	b.Subscribe(func(info Info) {
		if info.PendingCount == 1 && nested == 0 {
			nested++
			b.Subscribe(func(Info) {})()
		}
	})
	b.Publish(Info{PendingCount: 1}) // must not deadlock
}
