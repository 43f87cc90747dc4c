package threat

import (
	"errors"
	"testing"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  Result
	}{
		{"plain negative", "not dangerous", Result{}},
		{"negative with period", "Not Dangerous.", Result{}},
		{"negative sentence", "The image is not dangerous: a park with children.", Result{}},
		{"no keyword", "A cat sleeping on a sofa.", Result{}},
		{"positive", "dangerous: weapon visible", Result{Dangerous: true, Description: "dangerous: weapon visible"}},
		{"positive mixed case", "  DANGEROUS - smoke and open fire  ", Result{Dangerous: true, Description: "DANGEROUS - smoke and open fire"}},
		{"fenced", "```\ndangerous: knife\n```", Result{Dangerous: true, Description: "dangerous: knife"}},
		{"negation then positive", "Not dangerous at first glance, but dangerous: a gun in the bag.",
			Result{Dangerous: true, Description: "Not dangerous at first glance, but dangerous: a gun in the bag."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.reply)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseVerdictEmpty(t *testing.T) {
	for _, reply := range []string{"", "   ", "```\n```"} {
		_, err := ParseVerdict(reply)
		if !errors.Is(err, ErrUpstream) {
			t.Errorf("ParseVerdict(%q) err = %v, want ErrUpstream", reply, err)
		}
	}
}

func TestResultLabel(t *testing.T) {
	if got := (Result{}).Label(); got != "not dangerous" {
		t.Errorf("got %q", got)
	}
	if got := (Result{Dangerous: true}).Label(); got != "dangerous" {
		t.Errorf("got %q", got)
	}
}
