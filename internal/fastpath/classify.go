package fastpath

import (
	"strings"

	"github.com/relaycheck/relaycheck/internal/challenge"
)

// alreadyCheckedKeywords are the response-message fragments that mean the
// account already checked in today. The match is case-insensitive and a
// keyword hit downgrades a failure, never a success.
var alreadyCheckedKeywords = []string{
	"已签到",
	"签到过",
	"already",
	"checked",
}

// IsAlreadyCheckedMessage reports whether a check-in failure message really
// means the day's check-in was done earlier.
func IsAlreadyCheckedMessage(message string) bool {
	lowered := strings.ToLower(message)
	for _, keyword := range alreadyCheckedKeywords {
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

// challengeBodyOf returns the body when it carries an inline anti-bot
// challenge, and the empty string otherwise.
func challengeBodyOf(body string) string {
	if challenge.LooksLikeChallenge(body) {
		return body
	}
	return ""
}

func extractChallenge(body string) (string, bool) {
	return challenge.ExtractInlineScript(body)
}
