package agent

import "github.com/honeycomb-technologies/krusty/pkg/models"

// repairTranscript enforces invariant P1: every ToolUseBlock emitted by an
// assistant message must be matched, before the transcript is replayed to a
// provider, by exactly one ToolResultBlock carrying the same tool_use_id.
// A crash or restart between executing a tool and persisting its result
// leaves an orphan ToolUseBlock; repairTranscript injects a stub error
// result for it rather than dropping the tool call (providers reject a
// transcript with an unanswered tool_use). A ToolResultBlock with no
// matching pending ToolUseBlock is dropped as an orphan.
func repairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	pendingOrder := make([]string, 0)
	repaired := make([]*models.Message, 0, len(history))

	clearPending := func(before *models.Message) {
		if len(pendingOrder) == 0 {
			return
		}
		stubs := make(models.Blocks, 0, len(pendingOrder))
		for _, id := range pendingOrder {
			stubs = append(stubs, models.StubToolResult(id))
		}
		sessionID, createdAt := "", before.CreatedAt
		if before != nil {
			sessionID = before.SessionID
		}
		repaired = append(repaired, &models.Message{
			SessionID: sessionID,
			Role:      models.RoleTool,
			Content:   stubs,
			CreatedAt: createdAt,
		})
		pending = make(map[string]struct{})
		pendingOrder = pendingOrder[:0]
	}

	var lastAssistant *models.Message
	for _, msg := range history {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			clearPending(lastAssistant)
			lastAssistant = msg
			repaired = append(repaired, msg)
			for _, id := range msg.Content.ToolUseIDs() {
				if id == "" {
					continue
				}
				pending[id] = struct{}{}
				pendingOrder = append(pendingOrder, id)
			}
		case models.RoleTool:
			fixed := make(models.Blocks, 0, len(msg.Content))
			for _, block := range msg.Content {
				tr, ok := block.(models.ToolResultBlock)
				if !ok {
					fixed = append(fixed, block)
					continue
				}
				if _, ok := pending[tr.ToolUseID]; !ok {
					continue // orphan result, no pending tool_use to pair with
				}
				delete(pending, tr.ToolUseID)
				pendingOrder = removeID(pendingOrder, tr.ToolUseID)
				fixed = append(fixed, tr)
			}
			if len(fixed) == 0 {
				continue
			}
			copied := *msg
			copied.Content = fixed
			repaired = append(repaired, &copied)
		default:
			repaired = append(repaired, msg)
		}
	}

	// Any tool_use still pending at the end of history never got a result.
	clearPending(lastAssistant)

	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
