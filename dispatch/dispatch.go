// Package dispatch turns the merged frame stream into typed event
// handling: a tag-indexed handler registry with deterministic ordering.
// Handlers run synchronously on the consumer's loop; there is no
// cross-thread scheduling.
package dispatch

import (
	"log/slog"
)

// Event is one dispatched record: a journal frame or a synthetic notice
// folded in from the bus.
type Event interface {
	GenTime() int64
	TriggerTime() int64
	MsgType() int32
	Source() uint32
	Dest() uint32
	Data() []byte
}

// Handler consumes one event.
type Handler func(Event)

// Filter is a predicate over the event header.
type Filter func(Event) bool

// Is matches events carrying the given tag.
func Is(tag int32) Filter {
	return func(e Event) bool { return e.MsgType() == tag }
}

// From matches events written by the given source.
func From(uid uint32) Filter {
	return func(e Event) bool { return e.Source() == uid }
}

// Dispatcher fans events out to subscribed handlers. For each event the
// any-handlers run first, then the handlers for the event's tag; within
// each group, registration order.
type Dispatcher struct {
	any   []Handler
	byTag map[int32][]Handler
}

func New() *Dispatcher {
	return &Dispatcher{byTag: make(map[int32][]Handler)}
}

// OnAny subscribes a handler to every event.
func (d *Dispatcher) OnAny(h Handler) {
	d.any = append(d.any, h)
}

// On subscribes a handler to one message tag.
func (d *Dispatcher) On(tag int32, h Handler) {
	d.byTag[tag] = append(d.byTag[tag], h)
}

// OnFilter subscribes a handler gated by a predicate.
func (d *Dispatcher) OnFilter(f Filter, h Handler) {
	d.any = append(d.any, func(e Event) {
		if f(e) {
			h(e)
		}
	})
}

// Dispatch delivers one event. A panicking handler is logged and the
// loop continues; control-plane handlers never take the process down.
func (d *Dispatcher) Dispatch(e Event) {
	for _, h := range d.any {
		d.run(h, e)
	}
	for _, h := range d.byTag[e.MsgType()] {
		d.run(h, e)
	}
}

func (d *Dispatcher) run(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: handler panic", "msg_type", e.MsgType(), "source", e.Source(), "panic", r)
		}
	}()
	h(e)
}

// Message is a synthetic event not backed by a journal frame, used for
// control strings arriving over the bus.
type Message struct {
	Gen     int64
	Trigger int64
	Type    int32
	Src     uint32
	Dst     uint32
	Payload []byte
}

func (m Message) GenTime() int64     { return m.Gen }
func (m Message) TriggerTime() int64 { return m.Trigger }
func (m Message) MsgType() int32     { return m.Type }
func (m Message) Source() uint32     { return m.Src }
func (m Message) Dest() uint32       { return m.Dst }
func (m Message) Data() []byte       { return m.Payload }
