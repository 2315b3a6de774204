package llm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// StaticProvider is a test fixture Provider that replays a canned sequence of
// events per Chat call, used to drive Track Engine tests through the §8
// scenarios without a real LLM vendor integration (§1 explicitly scopes the
// vendor HTTP/SSE parser out).
type StaticProvider struct {
	mu   sync.Mutex
	next int

	// Scripts is consumed in order, one []Event per Chat call. The final
	// script is reused for any Chat call beyond len(Scripts).
	Scripts [][]Event

	refCounter atomic.Int64
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider constructs a StaticProvider that will emit scripts, in
// order, one per Chat call.
func NewStaticProvider(scripts ...[]Event) *StaticProvider {
	return &StaticProvider{Scripts: scripts}
}

func (p *StaticProvider) ListModels(_ context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{Name: "static-model", Provider: "static", ContextWindow: 200000},
	}, nil
}

// Chat emits the next script's events (with Ref backfilled) onto events in a
// background goroutine, returning immediately with the allocated ref.
func (p *StaticProvider) Chat(ctx context.Context, _ Request, events chan<- Event) (Ref, error) {
	p.mu.Lock()
	idx := p.next
	if idx >= len(p.Scripts) {
		idx = len(p.Scripts) - 1
	}
	if idx < 0 {
		p.mu.Unlock()
		return "", fmt.Errorf("static provider: no scripts configured")
	}
	script := p.Scripts[idx]
	p.next++
	p.mu.Unlock()

	ref := Ref(fmt.Sprintf("static-ref-%d", p.refCounter.Add(1)))

	go func() {
		for _, ev := range script {
			ev = withRef(ev, ref)
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ref, nil
}

// withRef stamps ref onto an event, returning a copy with Ref populated.
func withRef(ev Event, ref Ref) Event {
	switch e := ev.(type) {
	case StreamStarted:
		e.Ref = string(ref)
		return e
	case ContentBlockStart:
		e.Ref = string(ref)
		return e
	case ContentDelta:
		e.Ref = string(ref)
		return e
	case ToolCall:
		e.Ref = string(ref)
		return e
	case ContentBlockStop:
		e.Ref = string(ref)
		return e
	case StreamComplete:
		e.Ref = string(ref)
		return e
	case StreamError:
		e.Ref = string(ref)
		return e
	default:
		return ev
	}
}
