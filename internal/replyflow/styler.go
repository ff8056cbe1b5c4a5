package replyflow

import (
	"strings"
	"unicode"
)

// abbreviations is the fixed substitution table for casual shortening.
// At most one entry is applied per message.
var abbreviations = []struct {
	word string
	repl string
}{
	{"you", "u"},
	{"are", "r"},
	{"your", "ur"},
	{"please", "pls"},
	{"thanks", "thx"},
	{"probably", "prob"},
	{"definitely", "def"},
	{"people", "ppl"},
}

// typos is the fixed table of plausible single typos. At most one is
// introduced, and only rarely.
var typos = []struct {
	word string
	repl string
}{
	{"the", "teh"},
	{"and", "adn"},
	{"just", "jsut"},
	{"with", "wiht"},
	{"really", "realy"},
}

// Stylize roughens generated text so replies read like a person typing,
// not a template. Every branch is an independent probability draw from the
// injected source.
func Stylize(text string, tunables SchedulerTunables, rng Rand) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	if rng.Float64() < tunables.LowercaseProbability {
		text = strings.ToLower(text)
	}
	if rng.Float64() < tunables.EmojiStripProbability {
		text = stripSomeEmoji(text, rng)
	}
	if rng.Float64() < tunables.AbbreviationProbability {
		text = substituteOne(text, abbreviations, rng)
	}
	if rng.Float64() < tunables.TypoProbability {
		text = substituteOne(text, typos, rng)
	}
	return text
}

// substituteOne replaces a single whole-word occurrence from the table,
// starting the scan at a random table offset so the same entry is not
// always the one applied.
func substituteOne(text string, table []struct{ word, repl string }, rng Rand) string {
	words := strings.Fields(text)
	offset := rng.Intn(len(table))
	for i := 0; i < len(table); i++ {
		entry := table[(offset+i)%len(table)]
		for wi, w := range words {
			if strings.EqualFold(strings.Trim(w, ".,!?"), entry.word) {
				words[wi] = strings.Replace(strings.ToLower(w), entry.word, entry.repl, 1)
				return strings.Join(words, " ")
			}
		}
	}
	return text
}

// stripSomeEmoji removes roughly half of the emoji runes, keeping the rest
// so the result still reads naturally.
func stripSomeEmoji(text string, rng Rand) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isEmoji(r) && rng.Float64() < 0.5 {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimRight(b.String(), " ")
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r == 0x2764 || r == 0xFE0F:
		return true
	default:
		return unicode.Is(unicode.So, r) && r > 0x2000
	}
}
