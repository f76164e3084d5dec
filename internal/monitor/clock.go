package monitor

import (
	"sync"
	"time"
)

// SilenceClock remembers, per chat, when the silence countdown was last
// reset: an inbound event, pending merchant work, or an emitted silence
// notification. The map is process-local and starts empty, so a restart
// re-arms silence detection only after the next event.
type SilenceClock struct {
	now func() time.Time

	mu   sync.Mutex
	seen map[string]float64
}

func NewSilenceClock() *SilenceClock {
	return &SilenceClock{
		now:  time.Now,
		seen: make(map[string]float64),
	}
}

// Touch resets the chat's silence countdown to now.
func (c *SilenceClock) Touch(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[chatID] = float64(c.now().UnixNano()) / 1e9
}

// Last returns the chat's most recent reset, unix seconds. A chat that
// never produced an event has no entry and no silence countdown.
func (c *SilenceClock) Last(chatID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.seen[chatID]
	return ts, ok
}
