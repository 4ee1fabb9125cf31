package orchestrator

import "github.com/parleyhq/parley/pkg/models"

// repairHistory drops tool messages whose matching assistant tool call
// is missing. A turn that persisted tool responses but died before its
// closing assistant message leaves orphans behind, and providers reject
// a transcript containing them.
func repairHistory(history []models.Message) []models.Message {
	repaired := make([]models.Message, 0, len(history))
	pending := make(map[string]struct{})

	for _, m := range history {
		switch m.Role {
		case models.RoleAssistant:
			clear(pending)
			for _, call := range m.ToolCalls {
				if call.ID != "" {
					pending[call.ID] = struct{}{}
				}
			}
			repaired = append(repaired, m)
		case models.RoleTool:
			if _, ok := pending[m.ToolCallID]; !ok {
				continue
			}
			delete(pending, m.ToolCallID)
			repaired = append(repaired, m)
		default:
			repaired = append(repaired, m)
		}
	}
	return repaired
}
