package dispatch

import (
	"testing"
)

func msg(tag int32, src uint32) Message {
	return Message{Gen: 1, Type: tag, Src: src}
}

func TestDispatchOrder(t *testing.T) {
	d := New()
	var order []string

	d.OnAny(func(Event) { order = append(order, "any1") })
	d.On(10, func(Event) { order = append(order, "tag-a") })
	d.On(10, func(Event) { order = append(order, "tag-b") })
	d.OnAny(func(Event) { order = append(order, "any2") })

	d.Dispatch(msg(10, 1))

	want := []string{"any1", "any2", "tag-a", "tag-b"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatchTagIsolation(t *testing.T) {
	d := New()
	var hit int32
	d.On(10, func(e Event) { hit = e.MsgType() })

	d.Dispatch(msg(11, 1))
	if hit != 0 {
		t.Fatal("handler ran for foreign tag")
	}
	d.Dispatch(msg(10, 1))
	if hit != 10 {
		t.Fatal("handler did not run for its tag")
	}
}

func TestOnFilter(t *testing.T) {
	d := New()
	var got []uint32
	d.OnFilter(From(7), func(e Event) { got = append(got, e.Source()) })

	d.Dispatch(msg(1, 7))
	d.Dispatch(msg(1, 8))
	d.Dispatch(msg(2, 7))

	if len(got) != 2 {
		t.Fatalf("got = %v", got)
	}
}

func TestIsFilter(t *testing.T) {
	if !Is(5)(msg(5, 0)) || Is(5)(msg(6, 0)) {
		t.Fatal("Is filter broken")
	}
}

func TestHandlerPanicDoesNotEscape(t *testing.T) {
	d := New()
	ran := false
	d.On(10, func(Event) { panic("boom") })
	d.On(10, func(Event) { ran = true })

	d.Dispatch(msg(10, 1))
	if !ran {
		t.Fatal("panic aborted later handlers")
	}
}
