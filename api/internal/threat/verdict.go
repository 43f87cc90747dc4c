package threat

import (
	"fmt"
	"strings"

	"threat-bot/api/internal/util"
)

// negations are phrases that contain "danger" but mean the opposite.
var negations = []string{
	"not dangerous",
	"non-dangerous",
	"nondangerous",
	"isn't dangerous",
	"is not dangerous",
	"no dangerous",
}

// ParseVerdict turns a free-text model reply into a Result.
// The reply is dangerous when "dangerous" remains after negated
// forms are stripped; the whole trimmed reply becomes the description.
func ParseVerdict(reply string) (Result, error) {
	text := util.StripCodeFences(reply)
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty model reply", ErrUpstream)
	}
	lower := strings.ToLower(text)
	for _, n := range negations {
		lower = strings.ReplaceAll(lower, n, "")
	}
	if !strings.Contains(lower, "dangerous") {
		return Result{}, nil
	}
	return Result{Dangerous: true, Description: text}, nil
}
