package mediation

import (
	"context"
	"regexp"
	"strings"
)

// Strategy produces a mediator reply for an exchange. Implementations are
// opaque capabilities; the gateway only consumes the fixed contract.
type Strategy interface {
	GenerateReply(ctx context.Context, exchange Exchange) (Reply, error)
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
)

// offPlatformHints are phrasings that commonly precede a contact exchange.
var offPlatformHints = []string{
	"whatsapp", "telegram", "signal", "call me", "text me", "email me",
	"off the platform", "off platform", "offline", "my number",
}

// HeuristicStrategy is a deterministic fallback mediator used when no model
// endpoint is configured. It scores the message for contact details and
// off-platform phrasing and answers with a generic probing reply.
type HeuristicStrategy struct{}

func (HeuristicStrategy) GenerateReply(_ context.Context, exchange Exchange) (Reply, error) {
	score := scoreMessage(exchange.Message)

	text := "Thanks for the interest in " + exchange.Project.Title +
		". What terms did you have in mind, and what would you want to see before committing?"
	if score >= 0.5 {
		text = "Let's keep the discussion here so everything stays on the record. " +
			"What terms did you have in mind?"
	}
	return Reply{Text: text, LeakRiskScore: score}, nil
}

func scoreMessage(message string) float64 {
	lower := strings.ToLower(message)

	score := 0.0
	if emailPattern.MatchString(message) {
		score += 0.6
	}
	if phonePattern.MatchString(message) {
		score += 0.6
	}
	for _, hint := range offPlatformHints {
		if strings.Contains(lower, hint) {
			score += 0.4
			break
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}
