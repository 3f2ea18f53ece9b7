package enocean

import (
	"fmt"
	"sync"
)

// Affinity restricts which telegram formats a listener accepts.
type Affinity int

// Listener affinities.
const (
	// AffinityAny accepts both wrapped and plain telegrams.
	AffinityAny Affinity = iota

	// AffinityPlain accepts only telegrams received directly over the air.
	AffinityPlain

	// AffinityWrapped accepts only telegrams relayed by the bus coordinator.
	AffinityWrapped
)

// ParseAffinity parses "any", "plain" or "wrapped". Empty means any.
func ParseAffinity(s string) (Affinity, error) {
	switch s {
	case "", "any":
		return AffinityAny, nil
	case "plain":
		return AffinityPlain, nil
	case "wrapped":
		return AffinityWrapped, nil
	default:
		return AffinityAny, fmt.Errorf("%w: affinity %q", ErrUnsupported, s)
	}
}

func (a Affinity) String() string {
	switch a {
	case AffinityAny:
		return "any"
	case AffinityPlain:
		return "plain"
	case AffinityWrapped:
		return "wrapped"
	default:
		return fmt.Sprintf("affinity(%d)", int(a))
	}
}

func (a Affinity) accepts(k Kind) bool {
	switch a {
	case AffinityPlain:
		return !k.IsWrapped()
	case AffinityWrapped:
		return k.IsWrapped()
	default:
		return true
	}
}

// Routed is a telegram after format detection and address resolution.
type Routed struct {
	Telegram Telegram
	Kind     Kind
	Address  Address // global source address
}

// Handler receives routed telegrams. Handlers run on the transport
// goroutine and must not block.
type Handler func(Routed)

// ListenerID identifies a registration. The router holds only the handler,
// never the listener object itself.
type ListenerID uint64

type listener struct {
	id       ListenerID
	address  Address
	affinity Affinity
	handler  Handler
}

// format is one entry of the detection order.
type format struct {
	kind Kind
	org  byte
}

// dispatchOrder is tried top to bottom; the first format that accepts the
// telegram decides how it is delivered.
var dispatchOrder = []format{
	{KindWrappedRPS, OrgRPS},
	{KindWrapped1BS, Org1BS},
	{KindWrapped4BS, Org4BS},
	{KindRPS, OrgRPS},
	{Kind1BS, Org1BS},
	{Kind4BS, Org4BS},
}

// accepts reports whether t parses as f.
func (f format) accepts(t Telegram) bool {
	if t.Org != f.org || t.Header.Length() != ESP2BodyLen {
		return false
	}
	if f.kind.IsWrapped() {
		return t.Header == HeaderRMT
	}
	return true
}

// detect returns the highest-priority format that accepts t.
func detect(t Telegram) (Kind, bool) {
	for _, f := range dispatchOrder {
		if f.accepts(t) {
			return f.kind, true
		}
	}
	return KindUnknown, false
}

// Router delivers inbound telegrams to per-address listeners.
//
// Each telegram is classified once, so a telegram that would parse as
// several formats reaches listeners exactly once. Listeners for the same
// address are invoked in registration order. Telegrams without a listener
// are dropped.
//
// Thread Safety:
//   - Register, Unregister and SetBaseID are safe for concurrent use.
//   - Handlers may unregister themselves during dispatch.
type Router struct {
	mu        sync.RWMutex
	listeners []listener
	nextID    ListenerID
	baseID    Address

	logHolder
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// SetBaseID sets the gateway base id used to resolve local addresses.
func (r *Router) SetBaseID(base Address) {
	r.mu.Lock()
	r.baseID = base
	r.mu.Unlock()
}

// BaseID returns the gateway base id.
func (r *Router) BaseID() Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.baseID
}

// Register adds a listener for the given address.
func (r *Router) Register(addr Address, affinity Affinity, h Handler) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.listeners = append(r.listeners, listener{
		id:       r.nextID,
		address:  addr,
		affinity: affinity,
		handler:  h,
	})
	return r.nextID
}

// Unregister removes a listener. Unknown ids are ignored.
func (r *Router) Unregister(id ListenerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Dispatch classifies t and invokes the matching listeners.
// Returns true if at least one listener was called.
func (r *Router) Dispatch(t Telegram) bool {
	kind, ok := detect(t)
	if !ok {
		r.logDebug("unroutable telegram", "telegram", t.String())
		return false
	}

	r.mu.RLock()
	base := r.baseID
	src := t.Address.Resolve(base)
	var targets []listener
	for _, l := range r.listeners {
		if l.address.Resolve(base).SameDevice(src) && l.affinity.accepts(kind) {
			targets = append(targets, l)
		}
	}
	r.mu.RUnlock()

	for _, l := range targets {
		addr := src
		addr.Discriminator = l.address.Discriminator
		r.invoke(l, Routed{Telegram: t, Kind: kind, Address: addr})
	}
	return len(targets) > 0
}

func (r *Router) invoke(l listener, msg Routed) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logError("listener panicked", fmt.Errorf("panic: %v", rec),
				"listener", uint64(l.id), "address", msg.Address.String())
		}
	}()
	l.handler(msg)
}
