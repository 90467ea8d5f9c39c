package events

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
)

type Handler func(Event) error

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// Bus delivers events synchronously on the publishing goroutine, in
// subscription order per event type.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Type][]subscription
	now    func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[Type][]subscription),
		now:  time.Now,
	}
}

// Subscribe registers h for the event type of E and returns a function that
// removes the registration.
func Subscribe[E Event](b *Bus, h func(E) error) (unsubscribe func()) {
	var zero E
	eventType := zero.EventType()

	return b.subscribe(eventType, handlerName(h), func(e Event) error {
		ev, ok := e.(E)
		if !ok {
			return fmt.Errorf("unexpected payload %T for event %s", e, eventType)
		}
		return h(ev)
	})
}

func (b *Bus) subscribe(eventType Type, name string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, name: name, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}
}

func (b *Bus) unsubscribe(eventType Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subs[eventType]
	kept := make([]subscription, 0, len(current))
	for _, s := range current {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	b.subs[eventType] = kept
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[e.EventType()]...)
	b.mu.RUnlock()

	for _, s := range subs {
		err := deliver(s, e)
		if err == nil {
			continue
		}

		common.GetLoggerWith(common.LoggerNameEventBus).Error("Event handler failed",
			zap.String("event", string(e.EventType())),
			zap.String("handler", s.name),
			zap.Error(err))

		if e.EventType() != TypeError {
			b.Publish(Error{Function: s.name, Message: err.Error(), Timestamp: b.now()})
		}
	}
}

// Report publishes err as an error event originating from function.
func (b *Bus) Report(function string, err error) {
	if err == nil {
		return
	}
	b.Publish(Error{Function: function, Message: err.Error(), Timestamp: b.now()})
}

func (b *Bus) SubscriberCount(eventType Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

func deliver(s subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(e)
}

func handlerName(h any) string {
	fn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}
