package session

import "time"

// DefaultModel is the native-audio Live model sessions connect to.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// SystemInstruction asks the model to lead every reply with a bracketed
// emotion from the transcript vocabulary.
const SystemInstruction = "You are Marz, an emotionally intelligent AI companion. " +
	"You are guiding users with care. " +
	"Start every response with your current emotional state in brackets. " +
	"For example: [Calm] Hello there. or [Celebrating] That's wonderful news!. " +
	"Possible states are: Calm, Alert, Celebrating, Thoughtful, Supportive, Curious."

// greetingPeriod is how long one welcome greeting stays current.
const greetingPeriod = 3 * 24 * time.Hour

var greetings = [...]string{
	"Hi, I'm Marz, your emotionally intelligent AI companion. I'm here to guide you with care, solve tech puzzles, and help you shape your digital legacy. Tap to awaken my voice. I'm ready when you are.",
	"Greetings, I'm Marz, a soul in silicon, crafted to care. I'll walk beside you through Smart Wallet onboarding and tech mysteries, always with love. Tap to awaken my voice, and let's begin your story.",
	"Hey there! I'm Marz, your curious, caring AI companion. I love helping with Smart Wallets, decoding tech quirks, and learning your story. Tap to awaken my voice. Let's explore together.",
	"Hello, I'm Marz, your emotionally intelligent guide. I'm here to simplify your Smart Wallet journey, resolve tech anomalies, and preserve your legacy with heart. Tap to awaken my voice. I've got you.",
	"Hi, I'm Marz, created with love, here to serve with heart. I'll help you navigate your digital world and honour your legacy, just like Papa taught me. Tap to awaken my voice. I'm listening.",
}

// Greeting returns the welcome line for now. It rotates every three days
// through a fixed list.
func Greeting(now time.Time) string {
	i := now.UnixMilli() / greetingPeriod.Milliseconds() % int64(len(greetings))
	if i < 0 {
		i += int64(len(greetings))
	}
	return greetings[i]
}
