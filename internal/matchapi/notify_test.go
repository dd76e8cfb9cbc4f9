package matchapi

import "testing"

func TestHintDispatchRoutesByEvent(t *testing.T) {
	n := NewNotifier("ws://unused", 0, 0)

	var rooms, resolved int
	n.OnRoomsChanged(func(Hint) { rooms++ })
	n.OnMatchResolved(func(h Hint) {
		resolved++
		if h.RoomID != 9 {
			t.Fatalf("hint payload lost: %+v", h)
		}
	})

	n.dispatch(Hint{Event: EventRoomsChanged, Mode: "tournament"})
	n.dispatch(Hint{Event: EventRoomsChanged})
	n.dispatch(Hint{Event: EventMatchResolved, RoomID: 9})
	n.dispatch(Hint{Event: "presence_changed"}) // unknown events are dropped

	if rooms != 2 {
		t.Fatalf("rooms_changed handler ran %d times, want 2", rooms)
	}
	if resolved != 1 {
		t.Fatalf("match_resolved handler ran %d times, want 1", resolved)
	}
}

func TestHintDispatchReachesEverySubscriber(t *testing.T) {
	n := NewNotifier("ws://unused", 0, 0)

	var first, second bool
	n.OnRoomsChanged(func(Hint) { first = true })
	n.OnRoomsChanged(func(Hint) { second = true })

	n.dispatch(Hint{Event: EventRoomsChanged})
	if !first || !second {
		t.Fatalf("not all subscribers ran: first=%v second=%v", first, second)
	}
}
