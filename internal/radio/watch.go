package radio

type subscriber struct {
	ch chan State
}

// Subscribe registers an observer of confirmed state changes. The returned
// function unsubscribes and closes the channel. A subscriber whose buffer is
// full misses the change; CurrentState is always authoritative.
func (c *Controller) Subscribe() (<-chan State, func()) {
	s := &subscriber{ch: make(chan State, 8)}
	c.subMu.Lock()
	c.subs[s] = struct{}{}
	c.subMu.Unlock()

	unsub := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[s]; ok {
			delete(c.subs, s)
			close(s.ch)
		}
	}
	return s.ch, unsub
}

func (c *Controller) publish(st State) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for s := range c.subs {
		select {
		case s.ch <- st:
		default:
		}
	}
}
