package gobayeux

// Subscription is the handle returned when a listener or a subscription is
// added to a channel. It is needed to remove that registration later.
type Subscription struct {
	id       uint64
	channel  Channel
	callback MessageCallback
	listener bool
	client   *Client
}

// Channel is the channel, possibly a wildcard, the registration listens on
func (s *Subscription) Channel() Channel {
	return s.channel
}

// IsListener reports whether the registration was added with AddListener.
// Removing a listener never sends a /meta/unsubscribe to the server.
func (s *Subscription) IsListener() bool {
	return s.listener
}

// subscriptionsMap holds the registrations of a client by channel. It is
// owned by the client executor and needs no locking.
type subscriptionsMap struct {
	subs map[Channel][]*Subscription
}

func newSubscriptionsMap() *subscriptionsMap {
	return &subscriptionsMap{subs: make(map[Channel][]*Subscription)}
}

func (sm *subscriptionsMap) Add(s *Subscription) {
	sm.subs[s.channel] = append(sm.subs[s.channel], s)
}

// Remove drops the given registration and reports whether it was present
func (sm *subscriptionsMap) Remove(s *Subscription) bool {
	regs := sm.subs[s.channel]
	for i, r := range regs {
		if r != s {
			continue
		}
		regs = append(regs[:i:i], regs[i+1:]...)
		if len(regs) == 0 {
			delete(sm.subs, s.channel)
		} else {
			sm.subs[s.channel] = regs
		}
		return true
	}
	return false
}

// Get returns a copy of the registrations on the channel, safe to iterate
// while callbacks add or remove registrations
func (sm *subscriptionsMap) Get(channel Channel) []*Subscription {
	regs := sm.subs[channel]
	if len(regs) == 0 {
		return nil
	}
	return append([]*Subscription(nil), regs...)
}

// HasSubscription reports whether at least one non-listener registration
// exists on the channel
func (sm *subscriptionsMap) HasSubscription(channel Channel) bool {
	for _, r := range sm.subs[channel] {
		if !r.listener {
			return true
		}
	}
	return false
}

// RemoveSubscriptions drops every subscription on the channel, keeping
// the listeners
func (sm *subscriptionsMap) RemoveSubscriptions(channel Channel) {
	for _, r := range sm.Get(channel) {
		if !r.listener {
			sm.Remove(r)
		}
	}
}

// Clear drops every registration of the requested kind
func (sm *subscriptionsMap) Clear(listeners bool) {
	for channel, regs := range sm.subs {
		kept := regs[:0]
		for _, r := range regs {
			if r.listener != listeners {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(sm.subs, channel)
		} else {
			sm.subs[channel] = kept
		}
	}
}
