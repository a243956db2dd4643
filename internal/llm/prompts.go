package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Prompt versions stamped onto persisted artifacts so later inspection
// can reproduce why a verdict or draft was produced.
const (
	TriagePromptVersion = "triage-v1"
	DraftPromptVersion  = "draft-v1"
)

// PolicyContext is the frozen policy fields both prompts consume.
type PolicyContext struct {
	Topics    []string `json:"topics"`
	Goals     []string `json:"goals"`
	Tone      string   `json:"tone"`
	AvoidList []string `json:"avoid_list"`
	Languages []string `json:"languages"`
}

// PostContext is the post fields both prompts consume.
type PostContext struct {
	AuthorHandle string
	Text         string
	IsRepost     bool
	IsReply      bool
}

// Labels and actions the triage judge may emit.
const (
	LabelKeep  = "keep"
	LabelMaybe = "maybe"
	LabelDrop  = "drop"

	ActionReply  = "reply"
	ActionQuote  = "quote"
	ActionSave   = "save"
	ActionIgnore = "ignore"
)

// TriageVerdict is the expected shape of a triage completion.
type TriageVerdict struct {
	Score      int      `json:"score"`
	Label      string   `json:"label"`
	Reasons    []string `json:"reasons"`
	Action     string   `json:"action"`
	Confidence float64  `json:"confidence"`
}

// Validate checks the verdict against the expected shape. Violations
// are schema errors and must not be retried.
func (v *TriageVerdict) Validate() error {
	if v.Score < 0 || v.Score > 100 {
		return &Error{Code: CodeBadSchema, Msg: fmt.Sprintf("score %d out of range [0,100]", v.Score)}
	}
	switch v.Label {
	case LabelKeep, LabelMaybe, LabelDrop:
	default:
		return &Error{Code: CodeBadSchema, Msg: fmt.Sprintf("unknown label %q", v.Label)}
	}
	switch v.Action {
	case ActionReply, ActionQuote, ActionSave, ActionIgnore:
	default:
		return &Error{Code: CodeBadSchema, Msg: fmt.Sprintf("unknown action %q", v.Action)}
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return &Error{Code: CodeBadSchema, Msg: fmt.Sprintf("confidence %v out of range [0,1]", v.Confidence)}
	}
	return nil
}

// BuildTriageRequest constructs the LLM judge call for one post.
func BuildTriageRequest(policy PolicyContext, post PostContext) Request {
	var sb strings.Builder
	sb.WriteString("## Engagement Policy\n")
	writeList(&sb, "Topics of interest", policy.Topics)
	writeList(&sb, "Goals", policy.Goals)
	if policy.Tone != "" {
		fmt.Fprintf(&sb, "Tone: %s\n", policy.Tone)
	}
	writeList(&sb, "Avoid (score low)", policy.AvoidList)
	writeList(&sb, "Languages", policy.Languages)

	sb.WriteString("\n## Post\n")
	fmt.Fprintf(&sb, "Author: @%s\n", post.AuthorHandle)
	if post.IsRepost {
		sb.WriteString("Type: repost\n")
	}
	if post.IsReply {
		sb.WriteString("Type: reply\n")
	}
	fmt.Fprintf(&sb, "Content: %s\n", post.Text)

	sb.WriteString("\n## Task\n")
	sb.WriteString("Score this post's relevance to the policy. Respond with a single JSON object:\n")
	sb.WriteString(`{"score": <0-100>, "label": "keep"|"maybe"|"drop", "reasons": [<strings>], "action": "reply"|"quote"|"save"|"ignore", "confidence": <0.0-1.0>}`)
	sb.WriteString("\n")

	return Request{
		System:    "You are a social media triage judge. You only output JSON.",
		User:      sb.String(),
		MaxTokens: 1024,
		Prefill:   "{",
	}
}

// ParseTriageVerdict decodes and validates a triage completion.
func ParseTriageVerdict(raw string) (*TriageVerdict, error) {
	var v TriageVerdict
	if err := json.Unmarshal([]byte(extractJSON(raw)), &v); err != nil {
		return nil, &Error{Code: CodeBadJSON, Msg: "triage response is not valid JSON", Err: err}
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

// DraftOption is one generated reply candidate.
type DraftOption struct {
	Text   string `json:"text"`
	Tone   string `json:"tone"`
	Length string `json:"length"`
}

// DraftSet is the expected shape of a draft-generation completion:
// exactly three options.
type DraftSet struct {
	Options []DraftOption `json:"options"`
}

// Validate checks the set against the expected shape.
func (d *DraftSet) Validate() error {
	if len(d.Options) != 3 {
		return &Error{Code: CodeBadSchema, Msg: fmt.Sprintf("expected exactly 3 draft options, got %d", len(d.Options))}
	}
	for i, opt := range d.Options {
		if strings.TrimSpace(opt.Text) == "" {
			return &Error{Code: CodeBadSchema, Msg: fmt.Sprintf("draft option %d has empty text", i)}
		}
	}
	return nil
}

// DraftContext carries the thread and style context into the prompt.
type DraftContext struct {
	RecentComments []string
	StyleExemplars []string
}

// BuildDraftRequest constructs the draft-generation call for one post.
func BuildDraftRequest(policy PolicyContext, post PostContext, dc DraftContext) Request {
	var sb strings.Builder
	sb.WriteString("## Engagement Policy\n")
	writeList(&sb, "Topics", policy.Topics)
	writeList(&sb, "Goals", policy.Goals)
	if policy.Tone != "" {
		fmt.Fprintf(&sb, "Tone: %s\n", policy.Tone)
	}
	writeList(&sb, "Never mention", policy.AvoidList)

	sb.WriteString("\n## Post to reply to\n")
	fmt.Fprintf(&sb, "Author: @%s\n", post.AuthorHandle)
	fmt.Fprintf(&sb, "Content: %s\n", post.Text)

	if len(dc.RecentComments) > 0 {
		sb.WriteString("\n## Recent replies in the thread\n")
		for _, c := range dc.RecentComments {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if len(dc.StyleExemplars) > 0 {
		sb.WriteString("\n## Previously approved replies (match this voice)\n")
		for _, ex := range dc.StyleExemplars {
			fmt.Fprintf(&sb, "- %s\n", ex)
		}
	}

	sb.WriteString("\n## Task\n")
	sb.WriteString("Write exactly 3 distinct reply candidates. Respond with a single JSON object:\n")
	sb.WriteString(`{"options": [{"text": <reply>, "tone": <one word>, "length": "short"|"medium"|"long"}, ...]}`)
	sb.WriteString("\n")

	return Request{
		System:      "You draft social media replies. You only output JSON.",
		User:        sb.String(),
		MaxTokens:   2048,
		Temperature: 0.8,
		Prefill:     "{",
	}
}

// ParseDraftSet decodes and validates a draft-generation completion.
func ParseDraftSet(raw string) (*DraftSet, error) {
	var d DraftSet
	if err := json.Unmarshal([]byte(extractJSON(raw)), &d); err != nil {
		return nil, &Error{Code: CodeBadJSON, Msg: "draft response is not valid JSON", Err: err}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func writeList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s: %s\n", label, strings.Join(items, ", "))
}

// extractJSON trims markdown fences and stray prose around the JSON
// body. The prefill makes this rare but models still wrap output.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if idx := strings.LastIndex(raw, "```"); idx >= 0 {
			raw = raw[:idx]
		}
		raw = strings.TrimSpace(raw)
	}
	start := strings.IndexAny(raw, "{[")
	if start > 0 {
		raw = raw[start:]
	}
	return raw
}
