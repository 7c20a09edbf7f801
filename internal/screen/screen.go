// Package screen implements the content-policy collaborator: heuristic
// toxicity/spam scoring over message bodies with an allow/flag/block verdict.
package screen

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"palaver/internal/content"
)

type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictFlag  Verdict = "flag"
	VerdictBlock Verdict = "block"
)

// Result is the screening outcome. Reason is human-readable and safe to
// surface to the sender.
type Result struct {
	Verdict  Verdict
	Reason   string
	Toxicity float64
	Spam     float64
}

// Context carries screening context: who is sending into which room.
type Context struct {
	RoomID   string
	AuthorID string
}

const (
	toxicityBlockThreshold = 0.7
	spamBlockThreshold     = 0.8
	toxicityFlagThreshold  = 0.4
	spamFlagThreshold      = 0.5
)

var toxicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)hate|toxic|abusive|harassment`),
	regexp.MustCompile(`(?i)kill yourself|die|death threats`),
	regexp.MustCompile(`(?i)racism|sexism|discrimination`),
	regexp.MustCompile(`(?i)idiot|stupid|moron|worthless`),
}

var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(buy|sale|discount|offer|deal)\b.*\b(now|today|limited)\b`),
	regexp.MustCompile(`(?i)click here|visit.*website|make money`),
	regexp.MustCompile(`(https?://\S+.*){3,}`),
}

var urlRegex = regexp.MustCompile(`https?://\S+`)

var profanityWords = map[string]bool{
	"damn": true, "hell": true, "crap": true, "stupid": true, "idiot": true,
}

// Analyzer screens message bodies. Stateless and safe for concurrent use.
type Analyzer struct{}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Screen scores the body and returns a verdict. The body is sanitized
// before scoring so markup cannot hide trigger text. Honors ctx
// cancellation so the caller can bound screening latency.
func (a *Analyzer) Screen(ctx context.Context, body string, _ Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	text := content.Sanitize(body)
	toxicity := toxicityScore(text)
	spam := spamScore(text)

	res := Result{
		Verdict:  VerdictAllow,
		Toxicity: toxicity,
		Spam:     spam,
	}

	switch {
	case toxicity > toxicityBlockThreshold || spam > spamBlockThreshold:
		res.Verdict = VerdictBlock
	case toxicity > toxicityFlagThreshold || spam > spamFlagThreshold:
		res.Verdict = VerdictFlag
	}
	res.Reason = reason(res)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return res, nil
}

func toxicityScore(text string) float64 {
	score := 0.0
	for _, p := range toxicPatterns {
		if p.MatchString(text) {
			score += 0.3
		}
	}

	for _, word := range strings.Fields(strings.ToLower(text)) {
		if profanityWords[strings.Trim(word, ".,!?")] {
			score += 0.1
		}
	}

	// Shouting reads as aggression.
	if len(text) > 0 {
		caps := 0
		for _, r := range text {
			if unicode.IsUpper(r) {
				caps++
			}
		}
		if float64(caps)/float64(len([]rune(text))) > 0.5 {
			score += 0.2
		}
	}

	return min(score, 1.0)
}

func spamScore(text string) float64 {
	score := 0.0
	for _, p := range spamPatterns {
		if p.MatchString(text) {
			score += 0.4
		}
	}

	// Equivalent of the backreference pattern `(.)\1{10,}`, which RE2
	// cannot compile: any character (other than newline) repeated 11 or
	// more times in a row reads as spam.
	if hasRepeatedRun(text, 11) {
		score += 0.4
	}

	if len(urlRegex.FindAllString(text, -1)) > 2 {
		score += 0.3
	}

	// Low vocabulary diversity in a long message is a repetition signal.
	words := strings.Fields(text)
	if len(words) > 10 {
		unique := make(map[string]bool, len(words))
		for _, w := range words {
			unique[w] = true
		}
		if float64(len(unique))/float64(len(words)) < 0.3 {
			score += 0.3
		}
	}

	return min(score, 1.0)
}

func hasRepeatedRun(text string, n int) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if r == prev && r != '\n' {
			run++
			if run >= n {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

func reason(res Result) string {
	var reasons []string

	switch {
	case res.Toxicity > toxicityBlockThreshold:
		reasons = append(reasons, "High toxicity detected")
	case res.Toxicity > toxicityFlagThreshold:
		reasons = append(reasons, "Potentially inappropriate language")
	}

	switch {
	case res.Spam > spamBlockThreshold:
		reasons = append(reasons, "Spam content detected")
	case res.Spam > spamFlagThreshold:
		reasons = append(reasons, "Promotional content flagged")
	}

	if len(reasons) == 0 {
		if res.Verdict == VerdictAllow {
			return "Content approved"
		}
		return "Automatic moderation applied"
	}

	return strings.Join(reasons, ", ")
}
