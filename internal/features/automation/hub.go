package automation

import (
	"sync"
	"time"
)

// ExecutionUpdate is the status change pushed to live subscribers.
type ExecutionUpdate struct {
	ExecutionID string          `json:"executionId"`
	RuleID      string          `json:"ruleId"`
	LeadID      string          `json:"leadId"`
	Status      ExecutionStatus `json:"status"`
	NextAction  int             `json:"nextAction"`
	Error       string          `json:"error,omitempty"`
	At          time.Time       `json:"at"`
}

// ExecutionHub fans execution updates out to subscribers. Slow subscribers miss updates
// rather than blocking the engine.
type ExecutionHub struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	ch     chan ExecutionUpdate
	ruleID string
}

func NewExecutionHub() *ExecutionHub {
	return &ExecutionHub{subs: make(map[int]*subscriber)}
}

func (h *ExecutionHub) Publish(exec *Execution) {
	u := ExecutionUpdate{
		ExecutionID: exec.ID.Hex(),
		RuleID:      exec.RuleID,
		LeadID:      exec.LeadID,
		Status:      exec.Status,
		NextAction:  exec.NextAction,
		Error:       exec.Error,
		At:          time.Now(),
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.ruleID != "" && s.ruleID != u.RuleID {
			continue
		}
		select {
		case s.ch <- u:
		default:
		}
	}
}

// Subscribe returns a channel of updates, optionally for one rule, and a cancel func.
func (h *ExecutionHub) Subscribe(ruleID string, buffer int) (<-chan ExecutionUpdate, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan ExecutionUpdate, buffer), ruleID: ruleID}

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

func (h *ExecutionHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
