// Package context provides context management for agent conversations.
//
// This package handles:
//   - Context packing: selecting which messages to include in LLM requests
//   - Rolling summaries: compressing old history into summaries
//   - Budget management: staying within token/char limits
package context

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/honeycomb-technologies/krusty/pkg/models"
)

// PackOptions configures how messages are packed into context.
type PackOptions struct {
	// MaxMessages is the hard cap on number of messages to include (e.g. 60).
	MaxMessages int

	// MaxChars is the approximate character budget (cheap proxy for tokens).
	// Default: 30000 (~7500 tokens at 4 chars/token).
	MaxChars int

	// MaxToolResultChars is the max chars per tool result content.
	// Longer results are truncated. Default: 6000.
	MaxToolResultChars int

	// IncludeSummary controls whether to include the rolling summary.
	IncludeSummary bool

}

// DefaultPackOptions returns sensible defaults for context packing.
func DefaultPackOptions() PackOptions {
	return PackOptions{
		MaxMessages:        60,
		MaxChars:           30000,
		MaxToolResultChars: 6000,
		IncludeSummary:     true,
	}
}

// Packer selects and prepares messages for LLM context.
type Packer struct {
	opts PackOptions
}

// NewPacker creates a new context packer with the given options.
func NewPacker(opts PackOptions) *Packer {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 60
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 30000
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = 6000
	}
	return &Packer{opts: opts}
}

// Pack selects messages from history to fit within budget.
//
// The packed result includes (in order):
//  1. Summary message (if IncludeSummary and summary exists)
//  2. Recent messages from history (newest first, up to budget)
//  3. The incoming user message
//
// Tool result content is truncated to MaxToolResultChars.
// Messages are selected from the end (most recent) backwards until
// either MaxMessages or MaxChars is reached.
func (p *Packer) Pack(history []*models.Message, incoming *models.Message, summary *models.Message) ([]*models.Message, error) {
	var result []*models.Message

	// Track budget
	totalChars := 0
	totalMsgs := 0

	// Reserve space for incoming message (only if present)
	if incoming != nil {
		incomingChars := p.messageChars(incoming)
		totalChars += incomingChars
		totalMsgs++
	}

	// Reserve space for summary if present and enabled
	if p.opts.IncludeSummary && summary != nil {
		summaryChars := p.messageChars(summary)
		totalChars += summaryChars
		totalMsgs++
	}

	// Filter out summary messages from history (they're handled separately)
	filtered := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		if p.isSummaryMessage(m) {
			continue
		}
		filtered = append(filtered, m)
	}

	// Select messages from the end (most recent) backwards
	// Build in reverse order, then reverse once (O(n) instead of O(n²))
	selectedReverse := make([]*models.Message, 0)
	for i := len(filtered) - 1; i >= 0; i-- {
		m := filtered[i]
		msgChars := p.messageChars(m)

		// Check if we'd exceed budget
		if totalMsgs+1 > p.opts.MaxMessages {
			break
		}
		if totalChars+msgChars > p.opts.MaxChars {
			break
		}

		selectedReverse = append(selectedReverse, m)
		totalMsgs++
		totalChars += msgChars
	}

	// Reverse selectedReverse to get chronological order
	selected := make([]*models.Message, len(selectedReverse))
	for i, m := range selectedReverse {
		selected[len(selectedReverse)-1-i] = m
	}

	// Build final result in order
	// 1. Summary (if present and enabled)
	if p.opts.IncludeSummary && summary != nil {
		result = append(result, summary)
	}

	// 2. Selected history messages (now in chronological order)
	for _, m := range selected {
		// Truncate tool results if needed
		packed := p.truncateToolResults(m)
		result = append(result, packed)
	}

	// 3. Incoming message
	if incoming != nil {
		result = append(result, incoming)
	}

	return result, nil
}

// PackResult is the output of PackWithDiagnostics: the packed messages plus
// a record of why each candidate was included or dropped.
type PackResult struct {
	Messages    []*models.Message
	Diagnostics *models.ContextEventPayload
}

// PackWithDiagnostics behaves like Pack but also returns a full accounting of
// the packing decision: per-item budget usage and inclusion/exclusion
// reasons. Intended for debugging and for the /doctor surface.
func (p *Packer) PackWithDiagnostics(history []*models.Message, incoming *models.Message, summary *models.Message) *PackResult {
	diag := &models.ContextEventPayload{
		BudgetChars:    p.opts.MaxChars,
		BudgetMessages: p.opts.MaxMessages,
	}

	totalChars := 0
	totalMsgs := 0

	if incoming != nil {
		chars := p.messageChars(incoming)
		totalChars += chars
		totalMsgs++
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID:       itemHash(incoming),
			Kind:     models.ContextItemIncoming,
			Chars:    chars,
			Included: true,
			Reason:   models.ContextReasonReserved,
		})
		diag.Included++
	}

	if p.opts.IncludeSummary && summary != nil {
		chars := p.messageChars(summary)
		totalChars += chars
		totalMsgs++
		diag.SummaryUsed = true
		diag.SummaryChars = chars
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID:       itemHash(summary),
			Kind:     models.ContextItemSummary,
			Chars:    chars,
			Included: true,
			Reason:   models.ContextReasonReserved,
		})
		diag.Included++
	}

	filtered := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil || p.isSummaryMessage(m) {
			continue
		}
		filtered = append(filtered, m)
	}
	diag.Candidates = len(filtered)

	decisions := make([]models.ContextPackItem, len(filtered))
	selectedReverse := make([]*models.Message, 0, len(filtered))
	pastBudget := false

	for i := len(filtered) - 1; i >= 0; i-- {
		m := filtered[i]
		chars := p.messageChars(m)
		kind := itemKind(m)

		switch {
		case pastBudget:
			decisions[i] = models.ContextPackItem{ID: itemHash(m), Kind: kind, Chars: chars, Included: false, Reason: models.ContextReasonTooOld}
		case totalMsgs+1 > p.opts.MaxMessages:
			pastBudget = true
			decisions[i] = models.ContextPackItem{ID: itemHash(m), Kind: kind, Chars: chars, Included: false, Reason: models.ContextReasonTooOld}
		case totalChars+chars > p.opts.MaxChars:
			pastBudget = true
			decisions[i] = models.ContextPackItem{ID: itemHash(m), Kind: kind, Chars: chars, Included: false, Reason: models.ContextReasonOverBudget}
		default:
			selectedReverse = append(selectedReverse, m)
			totalMsgs++
			totalChars += chars
			decisions[i] = models.ContextPackItem{ID: itemHash(m), Kind: kind, Chars: chars, Included: true, Reason: models.ContextReasonIncluded}
		}
	}

	for _, d := range decisions {
		diag.Items = append(diag.Items, d)
		if d.Included {
			diag.Included++
		} else {
			diag.Dropped++
		}
	}

	selected := make([]*models.Message, len(selectedReverse))
	for i, m := range selectedReverse {
		selected[len(selectedReverse)-1-i] = m
	}

	diag.UsedChars = totalChars
	diag.UsedMessages = totalMsgs

	var result []*models.Message
	if p.opts.IncludeSummary && summary != nil {
		result = append(result, summary)
	}
	for _, m := range selected {
		result = append(result, p.truncateToolResults(m))
	}
	if incoming != nil {
		result = append(result, incoming)
	}

	return &PackResult{Messages: result, Diagnostics: diag}
}

// itemHash derives a short, stable identifier for a message for use in
// diagnostics, without exposing its content.
func itemHash(m *models.Message) string {
	if m == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(m.ID))
	return hex.EncodeToString(sum[:])[:12]
}

// itemKind classifies a history message for diagnostics purposes. Incoming
// and summary messages are classified by the caller since their role alone
// doesn't distinguish them from ordinary history.
func itemKind(m *models.Message) models.ContextItemKind {
	for _, block := range m.Content {
		switch block.(type) {
		case models.ToolUseBlock, models.ToolResultBlock:
			return models.ContextItemTool
		}
	}
	return models.ContextItemHistory
}

// messageChars estimates the character count for a message.
func (p *Packer) messageChars(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := 0
	for _, block := range m.Content {
		switch b := block.(type) {
		case models.TextBlock:
			chars += len(b.Text)
		case models.ToolUseBlock:
			chars += len(b.Name) + len(b.Input)
		case models.ToolResultBlock:
			chars += len(b.Output)
		}
	}
	return chars
}

// isSummaryMessage checks if a message is a summary marker.
func (p *Packer) isSummaryMessage(m *models.Message) bool {
	return isSummary(m)
}

// truncateToolResults returns a copy with truncated tool result content.
func (p *Packer) truncateToolResults(m *models.Message) *models.Message {
	needsTruncation := false
	for _, block := range m.Content {
		tr, ok := block.(models.ToolResultBlock)
		if ok && len(tr.Output) > p.opts.MaxToolResultChars {
			needsTruncation = true
			break
		}
	}
	if !needsTruncation {
		return m
	}

	copied := *m
	content := make(models.Blocks, len(m.Content))
	for i, block := range m.Content {
		tr, ok := block.(models.ToolResultBlock)
		if ok && len(tr.Output) > p.opts.MaxToolResultChars {
			truncated := tr
			truncated.Output = append(append(json.RawMessage{}, tr.Output[:p.opts.MaxToolResultChars]...), []byte("...[truncated]")...)
			content[i] = truncated
		} else {
			content[i] = block
		}
	}
	copied.Content = content
	return &copied
}
