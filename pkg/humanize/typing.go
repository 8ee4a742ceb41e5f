package humanize

import (
	"time"
	"unicode"
)

// Keystroke delay multipliers around the base per-character delay.
type multiplier struct{ lo, hi float64 }

var (
	sentenceEnd = multiplier{1.05, 1.4}
	wordBreak   = multiplier{0.5, 0.9}
	comma       = multiplier{0.9, 1.2}
	regular     = multiplier{0.5, 0.9}
)

// KeystrokeBounds returns the smallest and largest delay a single keystroke
// can get for the configured WPM range.
func (c Config) KeystrokeBounds() (time.Duration, time.Duration) {
	fast := baseDelay(c.WPMMax)
	slow := baseDelay(c.WPMMin)
	return time.Duration(float64(fast) * regular.lo), time.Duration(float64(slow) * sentenceEnd.hi)
}

// baseDelay is the average time per character at wpm words per minute,
// counting five characters per word.
func baseDelay(wpm int) time.Duration {
	if wpm <= 0 {
		return 0
	}
	cpm := float64(wpm * 5)
	return time.Duration(60000.0 / cpm * float64(time.Millisecond))
}

func multiplierFor(r rune) multiplier {
	switch r {
	case '.', '!', '?':
		return sentenceEnd
	case ' ':
		return wordBreak
	case ',':
		return comma
	default:
		return regular
	}
}

// PlanTyping returns the keystroke plan for text. The WPM rate is sampled
// once per call.
func (d *Driver) PlanTyping(text string) []Step {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.cfg.Enabled || !d.cfg.HumanTyping {
		return []Step{{Event: Event{Kind: KindInsert, Text: text}}}
	}

	wpm := d.cfg.WPMMin
	if d.cfg.WPMMax > d.cfg.WPMMin {
		wpm += d.rng.Intn(d.cfg.WPMMax - d.cfg.WPMMin + 1)
	}
	base := float64(baseDelay(wpm))

	runes := []rune(text)
	steps := make([]Step, 0, len(runes)+8)
	for _, r := range runes {
		if d.cfg.TypoRate > 0 && unicode.IsLetter(r) && d.rng.Float64() < d.cfg.TypoRate {
			steps = append(steps,
				Step{Event: key(neighbour(r)), Delay: d.keyDelayLocked(base, r)},
				Step{Event: Event{Kind: KindPause}, Delay: d.uniformDelayLocked()},
				Step{Event: key("Backspace"), Delay: d.keyDelayLocked(base, r)},
			)
		}
		steps = append(steps, Step{Event: key(string(r)), Delay: d.keyDelayLocked(base, r)})

		if r == ' ' && d.cfg.RandomDelays && d.cfg.PauseRate > 0 && d.rng.Float64() < d.cfg.PauseRate {
			steps = append(steps, Step{Event: Event{Kind: KindPause}, Delay: d.uniformDelayLocked()})
		}
	}
	return steps
}

func (d *Driver) keyDelayLocked(base float64, r rune) time.Duration {
	m := multiplierFor(r)
	f := m.lo + d.rng.Float64()*(m.hi-m.lo)
	return time.Duration(base * f)
}

func key(k string) Event {
	return Event{Kind: KindKey, Key: k}
}

// neighbour picks a plausible mistyped letter: the next letter of the
// alphabet, wrapping at the end and preserving case.
func neighbour(r rune) string {
	switch {
	case r == 'z':
		return "a"
	case r == 'Z':
		return "A"
	case (r >= 'a' && r < 'z') || (r >= 'A' && r < 'Z'):
		return string(r + 1)
	default:
		return "e"
	}
}
