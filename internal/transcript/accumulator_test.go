package transcript_test

import (
	"fmt"
	"testing"

	"github.com/MrWong99/marz/internal/transcript"
)

// --- Emotion extraction ---

func TestAppendOutput_TagSplitAcrossFragments(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.SetEmotion(transcript.EmotionCurious)

	upd := a.AppendOutput("[Calm] Hel")
	if !upd.EmotionChanged || upd.Emotion != transcript.EmotionCalm {
		t.Fatalf("first fragment: got %+v, want Calm changed", upd)
	}
	if upd.Text != "Hel" {
		t.Errorf("first fragment text = %q, want %q", upd.Text, "Hel")
	}

	upd = a.AppendOutput("lo there")
	if upd.EmotionChanged {
		t.Error("second fragment re-published the same emotion")
	}
	if upd.Text != "Hello there" {
		t.Errorf("text = %q, want %q", upd.Text, "Hello there")
	}
}

func TestAppendOutput_PartialTagNotYetMatched(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	upd := a.AppendOutput("[Cel")
	if upd.EmotionChanged {
		t.Fatal("incomplete tag changed emotion")
	}
	if upd.Text != "[Cel" {
		t.Errorf("text = %q, want raw %q", upd.Text, "[Cel")
	}

	upd = a.AppendOutput("ebrating]  Yay")
	if !upd.EmotionChanged || upd.Emotion != transcript.EmotionCelebrating {
		t.Fatalf("got %+v, want Celebrating", upd)
	}
	if upd.Text != "Yay" {
		t.Errorf("text = %q, want %q", upd.Text, "Yay")
	}
}

func TestAppendOutput_UnknownTagStrippedWithoutChange(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.SetEmotion(transcript.EmotionCalm)

	upd := a.AppendOutput("[Happy] No.")
	if upd.EmotionChanged {
		t.Error("unresolved tag changed emotion")
	}
	if upd.Emotion != transcript.EmotionCalm {
		t.Errorf("emotion = %s, want Calm", upd.Emotion)
	}
	if upd.Text != "No." {
		t.Errorf("text = %q, want %q", upd.Text, "No.")
	}
}

func TestAppendOutput_NoTag(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	upd := a.AppendOutput("just words [Calm]")
	if upd.EmotionChanged || upd.Text != "just words [Calm]" {
		t.Errorf("got %+v", upd)
	}
}

func TestResolveEmotion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag    string
		want   transcript.Emotion
		wantOK bool
	}{
		{"Calm", transcript.EmotionCalm, true},
		{"calm", transcript.EmotionCalm, true},
		{"SUPPORTIVE", transcript.EmotionSupportive, true},
		{"Celebratng", transcript.EmotionCelebrating, true},
		{"Thoughtfull", transcript.EmotionThoughtful, true},
		{"Alrt", transcript.EmotionAlert, true},
		{"Happy", "", false},
		{"Idle", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			t.Parallel()
			got, ok := transcript.ResolveEmotion(tt.tag)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ResolveEmotion(%q) = (%q, %v), want (%q, %v)", tt.tag, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestEmotion_Valid(t *testing.T) {
	t.Parallel()

	for _, e := range transcript.Vocabulary {
		if !e.Valid() {
			t.Errorf("%s not valid", e)
		}
	}
	if !transcript.EmotionIdle.Valid() {
		t.Error("Idle not valid")
	}
	if transcript.Emotion("Angry").Valid() {
		t.Error("Angry reported valid")
	}
}

// --- Turn completion ---

func TestCompleteTurn_AppendsPair(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.AppendInput("  How are ")
	a.AppendInput("you? ")
	a.AppendOutput("[Calm] I'm well. ")

	if !a.CompleteTurn() {
		t.Fatal("CompleteTurn returned false")
	}
	h := a.History()
	want := []transcript.Entry{
		{Speaker: transcript.SpeakerUser, Text: "How are you?"},
		{Speaker: transcript.SpeakerModel, Text: "I'm well."},
	}
	if len(h) != len(want) {
		t.Fatalf("history len = %d, want %d", len(h), len(want))
	}
	for i := range want {
		if h[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, h[i], want[i])
		}
	}
	if a.Input() != "" || a.Output() != "" {
		t.Errorf("buffers not cleared: %q / %q", a.Input(), a.Output())
	}
}

func TestCompleteTurn_EmptyTurnLeavesHistory(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.AppendInput("   ")
	a.AppendOutput("[Calm]  ")
	if a.CompleteTurn() {
		t.Error("whitespace-only turn changed history")
	}
	if len(a.History()) != 0 {
		t.Errorf("history = %v, want empty", a.History())
	}
	if a.Input() != "" || a.Output() != "" {
		t.Error("buffers not cleared after empty turn")
	}
}

func TestCompleteTurn_OneSidedTurnFiltersBlanks(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.AppendOutput("[Curious] Hello?")
	a.CompleteTurn()

	// The user entry from the first turn is blank and is dropped once the
	// next turn completes.
	a.AppendInput("hi")
	a.AppendOutput("Hi!")
	a.CompleteTurn()

	h := a.History()
	want := []transcript.Entry{
		{Speaker: transcript.SpeakerModel, Text: "Hello?"},
		{Speaker: transcript.SpeakerUser, Text: "hi"},
		{Speaker: transcript.SpeakerModel, Text: "Hi!"},
	}
	if len(h) != len(want) {
		t.Fatalf("history = %+v, want %+v", h, want)
	}
	for i := range want {
		if h[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, h[i], want[i])
		}
	}
}

func TestCompleteTurn_HistoryBounded(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	for i := range 15 {
		a.AppendInput(fmt.Sprintf("q%d", i))
		a.AppendOutput(fmt.Sprintf("a%d", i))
		a.CompleteTurn()
	}
	h := a.History()
	if len(h) != transcript.DefaultHistoryLimit {
		t.Fatalf("history len = %d, want %d", len(h), transcript.DefaultHistoryLimit)
	}
	if h[0].Text != "q5" || h[len(h)-1].Text != "a14" {
		t.Errorf("window = %q..%q, want q5..a14", h[0].Text, h[len(h)-1].Text)
	}
}

func TestWithHistoryLimit(t *testing.T) {
	t.Parallel()

	a := transcript.New(transcript.WithHistoryLimit(0))
	for i := range 3 {
		a.AppendInput(fmt.Sprintf("q%d", i))
		a.AppendOutput(fmt.Sprintf("a%d", i))
		a.CompleteTurn()
	}
	if got := len(a.History()); got != 2 {
		t.Errorf("history len = %d, want 2", got)
	}
}

func TestHistory_ReturnsCopy(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.AppendInput("x")
	a.CompleteTurn()
	h := a.History()
	h[0].Text = "mutated"
	if a.History()[0].Text != "x" {
		t.Error("History exposed internal slice")
	}
}

func TestReset_KeepsEmotion(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	a.AppendOutput("[Alert] careful")
	a.AppendInput("ok")
	a.CompleteTurn()
	a.AppendInput("pending")

	a.Reset()
	if len(a.History()) != 0 || a.Input() != "" {
		t.Error("Reset did not clear buffers and history")
	}
	if a.Emotion() != transcript.EmotionAlert {
		t.Errorf("emotion = %s, want Alert", a.Emotion())
	}
}

func TestSetEmotion(t *testing.T) {
	t.Parallel()

	a := transcript.New()
	if a.Emotion() != transcript.EmotionIdle {
		t.Fatalf("initial emotion = %s, want Idle", a.Emotion())
	}
	if !a.SetEmotion(transcript.EmotionCalm) {
		t.Error("SetEmotion(Calm) reported no change")
	}
	if a.SetEmotion(transcript.EmotionCalm) {
		t.Error("SetEmotion(Calm) twice reported change")
	}
}

func TestStripTag(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"[Calm] Hello": "Hello",
		"[x]":          "",
		"Hello":        "Hello",
		" [Calm] Hi":   " [Calm] Hi",
	}
	for in, want := range tests {
		if got := transcript.StripTag(in); got != want {
			t.Errorf("StripTag(%q) = %q, want %q", in, got, want)
		}
	}
}
