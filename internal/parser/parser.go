// Package parser implements the pure, allocation-light text transforms
// between a raw post and the code it carries, and between a sandbox result
// and the reply text posted back.
package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rivo/uniseg"
)

// ReplyBudget is the grapheme limit a reply must fit, per the protocol's
// post-length contract.
const ReplyBudget = 300

const noOutputSentinel = "✓ (no output)"

var handleMentionRe = regexp.MustCompile(`(?i)@[a-zA-Z0-9.\-]+\.?[a-zA-Z0-9]*\s*`)

// RichtextMention is a byte-offset span in a post's text that a richtext
// facet identified as a mention of the bot's DID.
type RichtextMention struct {
	ByteStart int
	ByteEnd   int
}

// ExtractCode strips mention markup from a post's text and returns the code
// fragment the author wants evaluated. hasCode is false if nothing but
// mentions and whitespace remain.
//
// Handle-form mentions ("@handle") are stripped case-insensitively without
// regard to what precedes the "@" — embedding "foo@handle" also strips the
// "@handle" portion. This matches the source behavior and is left as-is:
// handles embedded mid-word are rare enough in practice not to warrant a
// boundary check that could itself misfire on legitimate code (e.g. email
// literals in string constants would be a worse outcome to mishandle).
func ExtractCode(text string, richtext []RichtextMention) (code string, hasCode bool) {
	spans := append([]RichtextMention(nil), richtext...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].ByteStart > spans[j].ByteStart })

	out := text
	for _, sp := range spans {
		if sp.ByteStart < 0 || sp.ByteEnd > len(out) || sp.ByteStart > sp.ByteEnd {
			continue
		}
		out = out[:sp.ByteStart] + out[sp.ByteEnd:]
	}

	out = handleMentionRe.ReplaceAllString(out, "")
	out = stripFence(strings.TrimSpace(out))
	out = strings.TrimSpace(out)
	return out, out != ""
}

// stripFence removes a single leading/trailing ``` fenced-code-block pair,
// including an optional language tag on the opening fence. Eval bots of
// this shape are routinely handed fenced code by users; this runs after
// mention-stripping. A fence pair that encloses nothing (or only a language
// tag line) leaves empty text, so hasCode is then false.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := s[3 : len(s)-3]
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(inner[:nl])
		if firstLine != "" && !strings.ContainsAny(firstLine, " \t({[") {
			inner = inner[nl+1:]
		}
	}
	return strings.TrimSpace(inner)
}

// ExecResult is the outcome of one sandbox run, as materialized by the
// sandbox engine (see package sandbox).
type ExecResult struct {
	Success bool
	Output  []string // console.log lines, in order
	Value   string    // rendered return value; meaningful only when HasValue
	HasValue bool     // false means "no value", even if Value is empty
	Err     string // present iff !Success
}

// FormatResult renders a sandbox result into reply text per the design's
// contract: errors become "Error: ...", otherwise console output is
// newline-joined with an optional "=> value" suffix, falling back to a
// sentinel when both are empty.
func FormatResult(r ExecResult) string {
	if !r.Success {
		return "Error: " + r.Err
	}
	var parts []string
	if len(r.Output) > 0 {
		parts = append(parts, strings.Join(r.Output, "\n"))
	}
	if r.HasValue {
		parts = append(parts, "=> "+r.Value)
	}
	if len(parts) == 0 {
		return noOutputSentinel
	}
	return strings.Join(parts, "\n")
}

// TruncateGraphemes trims text to at most limit user-perceived characters
// (grapheme clusters per Unicode text segmentation), appending "..." when
// truncated. Counting is cluster-based so combining marks, multi-codepoint
// emoji, regional-indicator flag pairs, and ZWJ sequences each count once.
func TruncateGraphemes(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	gr := uniseg.NewGraphemes(text)
	var clusters []string
	for gr.Next() {
		clusters = append(clusters, gr.Str())
	}
	if len(clusters) <= limit {
		return text
	}
	if limit <= 3 {
		return strings.Repeat(".", limit)
	}
	return strings.Join(clusters[:limit-3], "") + "..."
}
