package validate

import (
	"fmt"
	"log/slog"

	"github.com/haivivi/companion/pkg/emotion"
)

// Severity grades an issue.
type Severity string

const (
	// SeverityCorrected issues were fixed in place; the reply is usable.
	SeverityCorrected Severity = "corrected"

	// SeverityRegenerate issues were fixed in place too, but the swing was
	// large enough that the caller should prefer a fresh reply when it can
	// afford one.
	SeverityRegenerate Severity = "regenerate"
)

// Issue codes.
const (
	CodeUnknownEmotion    = "unknown_emotion"
	CodeEmotionOverreach  = "emotion_overreach"
	CodeConflictAffection = "conflict_affection"
	CodeAffectionRange    = "affection_out_of_range"
	CodeAffectionMissing  = "affection_missing"
)

// Issue records one correction made to a reply.
type Issue struct {
	Code      string
	Severity  Severity
	Field     string
	Message   string
	Original  string
	Corrected string
}

// Context is the emotional state the reply is checked against.
type Context struct {
	Snapshot emotion.Snapshot

	// UserMessage is the user's message this reply answers. It is scanned
	// for apology, reconciliation and hostility signals.
	UserMessage string
}

// Result is a usable, possibly corrected reply.
type Result struct {
	Response  Reply
	Mood      emotion.Mood
	Corrected bool
	Issues    []Issue

	// Resolution is true when the user message carried a resolution signal.
	Resolution bool

	// Hostile is true when the user message read as hostile and carried no
	// resolution signal.
	Hostile bool
}

// NeedsRegeneration reports whether any issue asks for a fresh reply.
func (r *Result) NeedsRegeneration() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityRegenerate {
			return true
		}
	}
	return false
}

// Config configures a [Validator].
type Config struct {
	// MaxAffectionDelta bounds |affectionModifier|. Default 10.
	MaxAffectionDelta int

	// RegenerateAffection is the affectionModifier at or above which a
	// loving reply during a conflict is flagged SeverityRegenerate.
	// Default 5.
	RegenerateAffection int

	Logger *slog.Logger
}

// Validator checks replies. It is stateless and safe for concurrent use.
type Validator struct {
	maxDelta   int
	regenDelta int
	logger     *slog.Logger
}

// New creates a Validator.
func New(cfg Config) *Validator {
	v := &Validator{maxDelta: cfg.MaxAffectionDelta, regenDelta: cfg.RegenerateAffection, logger: cfg.Logger}
	if v.maxDelta <= 0 {
		v.maxDelta = 10
	}
	if v.regenDelta <= 0 {
		v.regenDelta = 5
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// Validate parses raw and corrects it against c.
//
// Recoverable formatting problems never fail. Output that cannot be
// decoded into an object, or that lacks content or emotion, returns an
// error matching [IsParseError]. Emotional inconsistencies are corrected
// in place and reported as issues.
func (v *Validator) Validate(raw string, c Context) (*Result, error) {
	obj, err := decode(raw)
	if err != nil {
		return nil, err
	}
	reply, notes, err := parseReply(obj)
	if err != nil {
		return nil, err
	}

	res := &Result{Response: reply}
	for _, n := range notes {
		res.add(Issue{
			Code:      CodeAffectionMissing,
			Severity:  SeverityCorrected,
			Field:     FieldAffectionModifier,
			Message:   n,
			Corrected: "0",
		})
	}

	mood, ok := emotion.ParseMood(reply.Emotion)
	if !ok {
		res.add(Issue{
			Code:      CodeUnknownEmotion,
			Severity:  SeverityCorrected,
			Field:     FieldEmotion,
			Message:   "emotion is not a known mood",
			Original:  reply.Emotion,
			Corrected: string(mood),
		})
	}

	if d := reply.AffectionModifier; d > v.maxDelta || d < -v.maxDelta {
		clamped := min(max(d, -v.maxDelta), v.maxDelta)
		res.add(Issue{
			Code:      CodeAffectionRange,
			Severity:  SeverityCorrected,
			Field:     FieldAffectionModifier,
			Message:   fmt.Sprintf("affectionModifier outside ±%d", v.maxDelta),
			Original:  fmt.Sprint(d),
			Corrected: fmt.Sprint(clamped),
		})
		res.Response.AffectionModifier = clamped
	}

	res.Resolution = emotion.DetectResolution(c.UserMessage)
	res.Hostile = !res.Resolution && emotion.DetectHostility(c.UserMessage)
	mood = v.guard(res, c.Snapshot, mood)

	res.Mood = mood
	res.Response.Emotion = string(mood)
	for _, is := range res.Issues {
		v.logger.Warn("reply corrected",
			"code", is.Code,
			"severity", string(is.Severity),
			"field", is.Field,
			"original", is.Original,
			"corrected", is.Corrected)
	}
	return res, nil
}

// guard enforces the conflict ceiling on mood and affection. A hostile
// user message caps the mood at guarded and allows no affection gain.
func (v *Validator) guard(res *Result, snap emotion.Snapshot, mood emotion.Mood) emotion.Mood {
	ceiling := snap.Ceiling(res.Resolution)
	if res.Hostile && ceiling.Strength() > emotion.StrengthGuarded {
		ceiling = emotion.MoodGuarded
	}
	unresolved := snap.Conflict.Unresolved()
	blocked := unresolved || res.Hostile
	delta := res.Response.AffectionModifier

	if mood.Strength() > ceiling.Strength() {
		sev := SeverityCorrected
		if unresolved && mood.Strength() == emotion.StrengthLoving && delta >= v.regenDelta {
			sev = SeverityRegenerate
		}
		capped := mood.Cap(ceiling)
		res.add(Issue{
			Code:      CodeEmotionOverreach,
			Severity:  sev,
			Field:     FieldEmotion,
			Message:   fmt.Sprintf("%s exceeds %s while conflict is %s", mood, ceiling, snap.Conflict),
			Original:  string(mood),
			Corrected: string(capped),
		})
		mood = capped
		if delta > 0 {
			delta = towardZero(delta, blocked, res.Resolution)
		}
	} else if blocked && delta > 0 && !res.Resolution {
		delta = 0
	}

	if delta != res.Response.AffectionModifier {
		res.add(Issue{
			Code:      CodeConflictAffection,
			Severity:  SeverityCorrected,
			Field:     FieldAffectionModifier,
			Message:   "affection gain reduced during conflict or hostility",
			Original:  fmt.Sprint(res.Response.AffectionModifier),
			Corrected: fmt.Sprint(delta),
		})
		res.Response.AffectionModifier = delta
	}
	return mood
}

// towardZero shrinks a positive affection gain. An unresolved conflict or
// a hostile message without a resolution signal allows no gain at all.
func towardZero(d int, blocked, resolution bool) int {
	if blocked && !resolution {
		return 0
	}
	return d / 2
}

func (r *Result) add(is Issue) {
	r.Issues = append(r.Issues, is)
	r.Corrected = true
}

// Validate runs a Validator with default settings.
func Validate(raw string, c Context) (*Result, error) {
	return New(Config{}).Validate(raw, c)
}
