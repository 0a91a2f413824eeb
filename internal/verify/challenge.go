package verify

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// Challenge modes.
const (
	ModeMath   = "math"
	ModeButton = "button"
)

// ButtonCode is the expected answer for the single-tap acknowledgement mode.
const ButtonCode = "human"

// Challenge is one verification puzzle issued to a contact. Code is the
// expected answer; Options are the choices shown, in display order.
type Challenge struct {
	Kind      string
	Question  string
	Code      string
	Options   []string
	ExpiresAt time.Time
}

// NewChallenge generates a challenge of the given mode expiring after timeout.
func NewChallenge(mode string, timeout time.Duration) Challenge {
	now := time.Now()
	if mode == ModeButton {
		return Challenge{
			Kind:      ModeButton,
			Code:      ButtonCode,
			Options:   []string{ButtonCode},
			ExpiresAt: now.Add(timeout),
		}
	}
	question, answer := mathQuestion()
	return Challenge{
		Kind:      ModeMath,
		Question:  question,
		Code:      strconv.Itoa(answer),
		Options:   mathOptions(answer),
		ExpiresAt: now.Add(timeout),
	}
}

// PlausibleAnswer reports whether text could be a challenge answer at all: a
// number for math mode or the acknowledgement word for button mode. Ordinary
// chatter sent while a challenge is pending is not an attempt.
func PlausibleAnswer(text string) bool {
	if strings.EqualFold(text, ButtonCode) {
		return true
	}
	if text == "" {
		return false
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// mathQuestion draws a small arithmetic puzzle. Subtraction swaps operands so
// the answer is never negative; multiplication uses the 1..10 range to keep
// answers tappable.
func mathQuestion() (question string, answer int) {
	a := rand.IntN(20) + 1
	b := rand.IntN(20) + 1
	switch rand.IntN(3) {
	case 0:
		return fmt.Sprintf("%d + %d = ?", a, b), a + b
	case 1:
		if a < b {
			a, b = b, a
		}
		return fmt.Sprintf("%d - %d = ?", a, b), a - b
	default:
		a = rand.IntN(10) + 1
		b = rand.IntN(10) + 1
		return fmt.Sprintf("%d × %d = ?", a, b), a * b
	}
}

// mathOptions returns 4 distinct non-negative choices containing the correct
// answer, shuffled. Distractors sit within ±5 of the answer.
func mathOptions(answer int) []string {
	seen := map[int]bool{answer: true}
	values := []int{answer}
	for len(values) < 4 {
		offset := rand.IntN(11) - 5
		if offset == 0 {
			continue
		}
		wrong := answer + offset
		if wrong < 0 || seen[wrong] {
			continue
		}
		seen[wrong] = true
		values = append(values, wrong)
	}
	rand.Shuffle(len(values), func(i, j int) {
		values[i], values[j] = values[j], values[i]
	})
	options := make([]string, len(values))
	for i, v := range values {
		options[i] = strconv.Itoa(v)
	}
	return options
}
