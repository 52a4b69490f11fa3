package callout

import (
	"sync"
	"time"
)

// cooldownGate prevents repeated callout storms from a flapping panel. A
// panel that has been processed is denied again on the same calendar day,
// and in any case until the minimum gap has passed. Entries are kept for
// the lifetime of the process.
type cooldownGate struct {
	mu     sync.Mutex
	minGap time.Duration
	last   map[int64]time.Time
}

func newCooldownGate(minGap time.Duration) *cooldownGate {
	return &cooldownGate{
		minGap: minGap,
		last:   make(map[int64]time.Time),
	}
}

// TryAdmit checks the gate and records the admission in one critical
// section, so two workers racing on the same panel cannot both pass.
func (g *cooldownGate) TryAdmit(panelID int64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, seen := g.last[panelID]
	if seen && (sameDay(last, now) || now.Sub(last) < g.minGap) {
		return false
	}

	g.last[panelID] = now
	return true
}

// Revert forgets an admission whose claim failed. Any earlier entry for the
// panel let this admission through, so dropping the panel entirely leaves
// future decisions unchanged.
func (g *cooldownGate) Revert(panelID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.last, panelID)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
