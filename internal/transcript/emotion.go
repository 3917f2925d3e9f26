package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Emotion is the companion's displayed affective state.
type Emotion string

const (
	EmotionIdle        Emotion = "Idle"
	EmotionCalm        Emotion = "Calm"
	EmotionAlert       Emotion = "Alert"
	EmotionCelebrating Emotion = "Celebrating"
	EmotionThoughtful  Emotion = "Thoughtful"
	EmotionSupportive  Emotion = "Supportive"
	EmotionCurious     Emotion = "Curious"
)

// Vocabulary lists the states the model is instructed to emit, in the order
// they appear in the system instruction. Idle is local only.
var Vocabulary = []Emotion{
	EmotionCalm,
	EmotionAlert,
	EmotionCelebrating,
	EmotionThoughtful,
	EmotionSupportive,
	EmotionCurious,
}

// maxTagDistance is the largest edit distance at which a misspelt tag still
// resolves to a vocabulary entry ("Celebratng" → Celebrating).
const maxTagDistance = 2

// Valid reports whether e is Idle or part of [Vocabulary].
func (e Emotion) Valid() bool {
	if e == EmotionIdle {
		return true
	}
	for _, v := range Vocabulary {
		if v == e {
			return true
		}
	}
	return false
}

// ResolveEmotion maps a raw bracket tag onto the vocabulary. An exact
// case-insensitive match wins; otherwise the nearest entry within
// [maxTagDistance] edits is used. Ties go to the earlier vocabulary entry.
func ResolveEmotion(tag string) (Emotion, bool) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", false
	}
	for _, v := range Vocabulary {
		if strings.EqualFold(string(v), tag) {
			return v, true
		}
	}

	lower := strings.ToLower(tag)
	best, bestDist := Emotion(""), maxTagDistance+1
	for _, v := range Vocabulary {
		d := matchr.Levenshtein(lower, strings.ToLower(string(v)))
		if d < bestDist {
			best, bestDist = v, d
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}
