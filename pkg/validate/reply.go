// Package validate parses the model's structured reply and keeps it
// emotionally consistent with the tracked state.
//
// The reply object has exactly four fields:
//
//	{"content": "...", "emotion": "...", "innerThought": "...", "affectionModifier": 0}
//
// innerThought is optional. Field names are exact; replies using names
// from older prompt versions are rejected rather than mapped.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/haivivi/companion/pkg/llm"
)

// Field names of the reply object.
const (
	FieldContent           = "content"
	FieldEmotion           = "emotion"
	FieldInnerThought      = "innerThought"
	FieldAffectionModifier = "affectionModifier"
)

// Reply is the structured object the model must return.
type Reply struct {
	Content           string  `json:"content" jsonschema:"what the character says to the user"`
	Emotion           string  `json:"emotion" jsonschema:"one of angry, hurt, sad, guarded, neutral, happy, playful, shy, loving"`
	InnerThought      *string `json:"innerThought,omitempty" jsonschema:"what the character privately thinks, never shown as speech"`
	AffectionModifier int     `json:"affectionModifier" jsonschema:"change in affection toward the user caused by this message, -10 to 10"`
}

// Thought returns InnerThought or "".
func (r Reply) Thought() string {
	if r.InnerThought == nil {
		return ""
	}
	return *r.InnerThought
}

// ReplySchema is the JSON schema sent with every dialogue request.
var ReplySchema = llm.MustSchemaFor[Reply]()

// Parse errors. Both are hard failures for the turn.
var (
	ErrUnparseable  = errors.New("validate: unparseable reply")
	ErrMissingField = errors.New("validate: reply missing required field")
)

// IsParseError reports whether err means the raw reply could not be used.
func IsParseError(err error) bool {
	return errors.Is(err, ErrUnparseable) || errors.Is(err, ErrMissingField)
}

// legacyNames are field names older prompts asked for.
var legacyNames = map[string]string{
	"response":           FieldContent,
	"reply":              FieldContent,
	"text":               FieldContent,
	"message":            FieldContent,
	"mood":               FieldEmotion,
	"emotion_tag":        FieldEmotion,
	"inner_thought":      FieldInnerThought,
	"thought":            FieldInnerThought,
	"affection_change":   FieldAffectionModifier,
	"affection_modifier": FieldAffectionModifier,
	"affectionDelta":     FieldAffectionModifier,
}

// rawReply is the decoded object before field checks.
type rawReply map[string]json.RawMessage

// decode turns model output into a field map, trying harder each step:
// plain or fenced JSON, repaired JSON, then the outermost {...} substring.
func decode(raw string) (rawReply, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty output", ErrUnparseable)
	}
	var obj rawReply
	err := llm.Unmarshal(raw, &obj)
	if err == nil && obj != nil {
		return obj, nil
	}
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start >= 0 && end > start {
		obj = nil
		if err2 := llm.Unmarshal(raw[start:end+1], &obj); err2 == nil && obj != nil {
			return obj, nil
		}
	}
	if err == nil {
		err = errors.New("not an object")
	}
	return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
}

// parseReply maps the decoded object to a Reply. A missing required field
// is an error naming any legacy alias that was present instead.
func parseReply(obj rawReply) (Reply, []string, error) {
	var r Reply
	var notes []string

	for _, f := range []string{FieldContent, FieldEmotion} {
		if _, ok := obj[f]; !ok {
			return r, nil, missing(obj, f)
		}
	}
	if err := json.Unmarshal(obj[FieldContent], &r.Content); err != nil {
		return r, nil, fmt.Errorf("%w: content is not a string", ErrUnparseable)
	}
	if strings.TrimSpace(r.Content) == "" {
		return r, nil, fmt.Errorf("%w: %s is empty", ErrMissingField, FieldContent)
	}
	if err := json.Unmarshal(obj[FieldEmotion], &r.Emotion); err != nil {
		return r, nil, fmt.Errorf("%w: emotion is not a string", ErrUnparseable)
	}
	if v, ok := obj[FieldInnerThought]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err == nil && strings.TrimSpace(s) != "" {
			r.InnerThought = &s
		}
	}

	v, ok := obj[FieldAffectionModifier]
	switch {
	case !ok || isNull(v):
		notes = append(notes, "affectionModifier missing")
	default:
		n, err := number(v)
		if err != nil {
			notes = append(notes, "affectionModifier not numeric")
		} else {
			// Out-of-range values are clamped later; keep the conversion defined.
			r.AffectionModifier = int(math.Round(max(min(n, math.MaxInt32), math.MinInt32)))
		}
	}
	return r, notes, nil
}

func missing(obj rawReply, field string) error {
	var aliases []string
	for k := range obj {
		if legacyNames[k] == field {
			aliases = append(aliases, k)
		}
	}
	if len(aliases) > 0 {
		slices.Sort(aliases)
		return fmt.Errorf("%w: %s (found legacy %s)", ErrMissingField, field, strings.Join(aliases, ", "))
	}
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

var errNotFinite = errors.New("validate: number is not finite")

// number accepts a JSON number or a numeric string. NaN and infinities
// are rejected.
func number(v json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return 0, err
		}
		if n, err = json.Number(strings.TrimPrefix(strings.TrimSpace(s), "+")).Float64(); err != nil {
			return 0, err
		}
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, errNotFinite
	}
	return n, nil
}
