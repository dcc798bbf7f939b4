package inquiry

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

// DefaultSpamThreshold is the score at or above which a submission is marked spam.
const DefaultSpamThreshold = 5

// MinFillTime is how long a person takes to fill the form at the very least.
const MinFillTime = 3 * time.Second

var linkPattern = regexp.MustCompile(`(?i)(https?://|www\.)\S+`)

var blockedKeywords = []string{
	"viagra",
	"casino",
	"crypto investment",
	"seo services",
	"backlinks",
	"guest post",
	"web traffic",
	"forex",
	"loan offer",
	"rank your website",
}

// Score rates how spam-like s is. It is stateless, only the submission and the
// time it arrived are looked at. reasons names each rule that fired.
func Score(s Submission, now time.Time) (score int, reasons []string) {
	add := func(n int, reason string) {
		score += n
		reasons = append(reasons, reason)
	}

	if s.Website != "" {
		add(10, "honeypot")
	}

	if s.RenderedAt > 0 {
		if elapsed := now.Sub(time.UnixMilli(s.RenderedAt)); elapsed < MinFillTime {
			add(5, "too_fast")
		}
	}

	links := len(linkPattern.FindAllString(s.Message, -1))
	switch {
	case links > 2:
		add(3, "many_links")
	case links > 0 && len(s.Message) < 40:
		add(2, "link_short_message")
	}

	text := strings.ToLower(s.Subject + " " + s.Message)
	for _, kw := range blockedKeywords {
		if strings.Contains(text, kw) {
			add(2, "keyword:"+kw)
		}
	}

	if shouting(s.Message) {
		add(2, "shouting")
	}

	if hasRun(s.Message, 6) {
		add(1, "repeated_chars")
	}

	return score, reasons
}

// shouting reports more than 70% upper case among at least 20 letters.
func shouting(msg string) bool {
	var letters, upper int
	for _, r := range msg {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return letters >= 20 && upper*10 > letters*7
}

// Classify maps a score to a status.
func Classify(score, threshold int) Status {
	if threshold <= 0 {
		threshold = DefaultSpamThreshold
	}
	if score >= threshold {
		return StatusSpam
	}
	return StatusNew
}

// hasRun reports n or more consecutive identical non-space runes.
func hasRun(msg string, n int) bool {
	var prev rune
	run := 0
	for _, r := range msg {
		if r == prev && !unicode.IsSpace(r) {
			run++
		} else {
			run = 1
		}
		if run >= n {
			return true
		}
		prev = r
	}
	return false
}
