package merge

import (
	"context"
	"strings"

	"github.com/praxislabs/dirigent/internal/errors"
)

// Resolve runs the strategy chain for one conflict, starting at the
// configured initial strategy and escalating forward: auto, then
// ai_assisted, then manual. Manual never fails; it returns both originals
// with Resolved set to false.
func (e *Engine) Resolve(ctx context.Context, conflict Conflict) (Resolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveLocked(ctx, conflict)
}

func (e *Engine) resolveLocked(ctx context.Context, conflict Conflict) (Resolution, error) {
	start := 0
	for i, s := range escalationOrder {
		if s == e.cfg.InitialStrategy {
			start = i
			break
		}
	}

	for _, strategy := range escalationOrder[start:] {
		switch strategy {
		case StrategyAuto:
			if resolution, ok := e.resolveAuto(conflict); ok {
				return resolution, nil
			}
		case StrategyAIAssisted:
			if e.resolver == nil {
				continue
			}
			resolution, err := e.resolveAssisted(ctx, conflict)
			if err != nil {
				e.logger.Warn("assisted resolution failed, escalating to manual",
					"conflict_id", conflict.ID,
					"error", err.Error(),
				)
				continue
			}
			return resolution, nil
		case StrategyManual:
			return e.resolveManual(conflict), nil
		}
	}
	return e.resolveManual(conflict), nil
}

// resolveAuto handles the structural cases: identical content, one side a
// strict superset of the other, or edits that turn out to touch disjoint
// line spans of the region on finer comparison. Anything else escalates.
func (e *Engine) resolveAuto(conflict Conflict) (Resolution, bool) {
	a, b := conflict.ChangeA, conflict.ChangeB

	var content string
	switch {
	case a.Content == b.Content:
		content = a.Content
	case strings.Contains(a.Content, b.Content):
		content = a.Content
	case strings.Contains(b.Content, a.Content):
		content = b.Content
	case a.EndLine < b.StartLine || b.EndLine < a.StartLine:
		// The region identities matched but the edits cover disjoint
		// spans; stitch them in line order.
		first, second := a, b
		if b.StartLine < a.StartLine {
			first, second = b, a
		}
		content = first.Content + "\n" + second.Content
	default:
		return Resolution{}, false
	}

	e.logger.Debug("conflict auto-resolved", "conflict_id", conflict.ID)
	return Resolution{
		ConflictID: conflict.ID,
		Strategy:   StrategyAuto,
		Resolved:   true,
		Content:    content,
	}, true
}

// resolveAssisted delegates to the wired Resolver.
func (e *Engine) resolveAssisted(ctx context.Context, conflict Conflict) (Resolution, error) {
	content, err := e.resolver.Resolve(ctx, conflict)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "assisted resolution")
	}
	e.logger.Debug("conflict resolved with assistance", "conflict_id", conflict.ID)
	return Resolution{
		ConflictID: conflict.ID,
		Strategy:   StrategyAIAssisted,
		Resolved:   true,
		Content:    content,
	}, nil
}

// resolveManual surfaces both originals for a human decision.
func (e *Engine) resolveManual(conflict Conflict) Resolution {
	return Resolution{
		ConflictID: conflict.ID,
		Strategy:   StrategyManual,
		Resolved:   false,
		OriginalA:  conflict.ChangeA.Content,
		OriginalB:  conflict.ChangeB.Content,
	}
}
