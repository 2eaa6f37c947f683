package http

import "time"

// eventLimiter caps how many inbound events one connection may submit per
// minute. The window rolls over inside allow, so only the connection's read
// loop ever touches the state.
type eventLimiter struct {
	limit       int
	counter     int
	windowStart time.Time
}

func newEventLimiter(limit int) *eventLimiter {
	return &eventLimiter{limit: limit, windowStart: time.Now()}
}

func (l *eventLimiter) allow() bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	if time.Since(l.windowStart) >= time.Minute {
		l.counter = 0
		l.windowStart = time.Now()
	}
	l.counter++
	return l.counter <= l.limit
}
