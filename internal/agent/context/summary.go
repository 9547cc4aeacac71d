package context

import (
	"github.com/honeycomb-technologies/krusty/pkg/models"
)

// isSummary reports whether m is a rolling-summary message. Summary
// messages are tagged by role rather than metadata: they are the only
// RoleSystem entries that appear in conversation history.
func isSummary(m *models.Message) bool {
	return m != nil && m.Role == models.RoleSystem
}

// FindLatestSummary finds the most recent summary message in history.
// Returns nil if no summary exists.
func FindLatestSummary(history []*models.Message) *models.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if isSummary(history[i]) {
			return history[i]
		}
	}
	return nil
}

// MessagesSinceSummary returns messages that came after the given summary.
// If summary is nil, returns all messages.
func MessagesSinceSummary(history []*models.Message, summary *models.Message) []*models.Message {
	if summary == nil {
		return history
	}

	summaryIdx := -1
	for i, m := range history {
		if m != nil && m.ID == summary.ID {
			summaryIdx = i
			break
		}
	}

	if summaryIdx < 0 {
		return history
	}

	if summaryIdx+1 >= len(history) {
		return nil
	}
	return history[summaryIdx+1:]
}

// NeedsSummarization checks if the history needs summarization based on thresholds.
func NeedsSummarization(history []*models.Message, summary *models.Message, maxMsgsBeforeSummary int) bool {
	messagesSince := MessagesSinceSummary(history, summary)
	return len(messagesSince) > maxMsgsBeforeSummary
}

// CreateSummaryMessage creates a new summary message covering history up to
// (and including) coversUntilMsgID. The covering boundary is recorded in the
// summary text itself since canonical messages carry no side-channel
// metadata.
func CreateSummaryMessage(sessionID, summaryContent, coversUntilMsgID string) *models.Message {
	return &models.Message{
		SessionID: sessionID,
		Role:      models.RoleSystem,
		Content:   models.Blocks{models.TextBlock{Text: summaryContent}},
	}
}

// GetMessagesToSummarize returns older messages that should be summarized.
// It keeps the most recent `keepRecent` messages and returns the rest for summarization.
func GetMessagesToSummarize(history []*models.Message, summary *models.Message, keepRecent int) []*models.Message {
	messages := MessagesSinceSummary(history, summary)

	filtered := make([]*models.Message, 0, len(messages))
	for _, m := range messages {
		if isSummary(m) {
			continue
		}
		filtered = append(filtered, m)
	}

	if len(filtered) <= keepRecent {
		return nil
	}
	return filtered[:len(filtered)-keepRecent]
}
