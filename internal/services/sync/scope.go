package sync

import (
	"sync"

	"github.com/TheMichaelB/offsync/internal/models"
)

// scopeGate serializes writes to one scope from the optimistic cache
// update until the change is confirmed, rejected or queued.
type scopeGate struct {
	mu    sync.Mutex
	turns map[models.ScopeKey]*scopeTurn
}

type scopeTurn struct {
	mu   sync.Mutex
	refs int
}

// enter blocks until no other write to scope is in progress.
func (g *scopeGate) enter(scope models.ScopeKey) (leave func()) {
	g.mu.Lock()
	if g.turns == nil {
		g.turns = make(map[models.ScopeKey]*scopeTurn)
	}
	turn, ok := g.turns[scope]
	if !ok {
		turn = &scopeTurn{}
		g.turns[scope] = turn
	}
	turn.refs++
	g.mu.Unlock()

	turn.mu.Lock()

	return func() {
		turn.mu.Unlock()

		g.mu.Lock()
		turn.refs--
		if turn.refs == 0 {
			delete(g.turns, scope)
		}
		g.mu.Unlock()
	}
}
