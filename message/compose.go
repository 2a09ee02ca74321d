// Package message composes the merged notification text for a cycle's diff.
package message

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/linccl/iCity-Echo/pkg/activity"
)

// Default composition limits, matching the page's typical entry sizes.
const (
	DefaultMaxItems   = 8
	DefaultMaxTextLen = 2000
)

// Limits bound the size of a composed notification.
type Limits struct {
	MaxItems int // rendered entry lines before tail truncation

	// MaxTextLen is split evenly across entry lines, label and display
	// name included. The header and omitted-count lines sit outside this
	// budget, and each line keeps a minimum number of text runes even
	// when an oversized display name eats its share.
	MaxTextLen int
}

func (l Limits) normalized() Limits {
	if l.MaxItems <= 0 {
		l.MaxItems = DefaultMaxItems
	}
	if l.MaxTextLen <= 0 {
		l.MaxTextLen = DefaultMaxTextLen
	}
	return l
}

// Batch is a single composed notification. Transient: built and consumed
// within one cycle, never persisted.
type Batch struct {
	Text      string
	ItemCount int // entries rendered into the body
}

// Compose merges a diff into one bounded notification body. Returns nil when
// the diff is empty. Added entries render before changed ones, both in fetch
// order. Per-line text truncation happens before tail truncation so the
// retained lines stay legible; omitted entries are summarized in a count.
func Compose(diff *activity.DiffResult, limits Limits) *Batch {
	if diff == nil || diff.Empty() {
		return nil
	}
	limits = limits.normalized()

	total := diff.Size()
	rendered := total
	if rendered > limits.MaxItems {
		rendered = limits.MaxItems
	}

	// Budget each line gets an even share of the body.
	lineBudget := limits.MaxTextLen / rendered
	if lineBudget < 24 {
		lineBudget = 24
	}

	lines := make([]string, 0, rendered+2)
	lines = append(lines, header(len(diff.Added), len(diff.Changed)))

	for _, record := range diff.Added {
		lines = append(lines, renderLine("新", record, lineBudget))
	}
	for _, change := range diff.Changed {
		lines = append(lines, renderLine("更新", change.Current, lineBudget))
	}

	entryLines := lines[1:]
	if len(entryLines) > limits.MaxItems {
		omitted := len(entryLines) - limits.MaxItems
		lines = append(lines[:1+limits.MaxItems], fmt.Sprintf("（另有 %d 条未展示）", omitted))
	}

	return &Batch{
		Text:      strings.Join(lines, "\n"),
		ItemCount: rendered,
	}
}

func header(added, changed int) string {
	parts := make([]string, 0, 2)
	if added > 0 {
		parts = append(parts, fmt.Sprintf("新增 %d 条", added))
	}
	if changed > 0 {
		parts = append(parts, fmt.Sprintf("更新 %d 条", changed))
	}
	return "【iCity 动态】" + strings.Join(parts, "，")
}

func renderLine(label string, record *activity.Record, budget int) string {
	text := record.ActivityText
	if text == "" {
		text = "（无内容）"
	}
	prefix := fmt.Sprintf("[%s] %s：", label, record.DisplayName)
	remaining := budget - utf8.RuneCountInString(prefix)
	if remaining < 8 {
		remaining = 8
	}
	return prefix + Truncate(text, remaining)
}

// Truncate shortens s to at most max runes, ending in an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
