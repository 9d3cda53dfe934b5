// Package profile implements the approval profile matcher: two ordered
// pattern lists that classify a candidate subprocess invocation into
// auto-allow, auto-deny, or needs-review. Matching is deliberately
// coarse — a static prefix check, not a semantic analyser — because the
// runtime syscall interception is the actual security boundary.
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"shannot/internal/errs"
)

// Decision is the classifier's verdict on a candidate command.
type Decision string

const (
	AutoAllow   Decision = "auto_allow"
	AutoDeny    Decision = "auto_deny"
	NeedsReview Decision = "needs_review"
)

// Profile is a named pair of pattern lists loaded from JSON.
type Profile struct {
	Name        string   `json:"-"`
	AutoApprove []string `json:"auto_approve"`
	AlwaysDeny  []string `json:"always_deny"`
}

// Load reads a profile from its JSON source file. Unknown keys are
// ignored by encoding/json's default behavior; leading/trailing
// whitespace in patterns is normalized at load time.
func Load(name, path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New("load_profile", errs.KindNotFound, fmt.Errorf("profile %q not found", name))
		}
		return nil, errs.New("load_profile", errs.KindInternal, err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errs.New("load_profile", errs.KindInvalidInput, err)
	}
	p.Name = name

	for i, pat := range p.AutoApprove {
		p.AutoApprove[i] = strings.TrimSpace(pat)
	}
	for i, pat := range p.AlwaysDeny {
		p.AlwaysDeny[i] = strings.TrimSpace(pat)
	}
	return &p, nil
}

// Normalize turns a raw argv into the matching candidate string: drop
// leading VAR=value pairs, strip argv[0]'s directory, join with single
// spaces, no shell quoting.
func Normalize(argv []string) string {
	i := 0
	for i < len(argv) && isEnvAssignment(argv[i]) {
		i++
	}
	if i >= len(argv) {
		return ""
	}
	rest := make([]string, len(argv)-i)
	copy(rest, argv[i:])
	rest[0] = baseName(rest[0])
	return strings.Join(rest, " ")
}

func isEnvAssignment(arg string) bool {
	eq := strings.IndexByte(arg, '=')
	if eq <= 0 {
		return false
	}
	name := arg[:eq]
	for _, r := range name {
		if !(r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// matches reports whether pattern P matches candidate C: C == P, or C
// starts with P followed by a space (word-boundary prefix match).
func matches(pattern, candidate string) bool {
	if pattern == "" {
		return false
	}
	if candidate == pattern {
		return true
	}
	return strings.HasPrefix(candidate, pattern+" ")
}

// Classify applies the profile to a raw argv, normalizing it first.
// always_deny is checked before auto_approve; a deny match wins
// regardless of any auto_approve membership.
func (p *Profile) Classify(argv []string) Decision {
	candidate := Normalize(argv)
	for _, pat := range p.AlwaysDeny {
		if matches(pat, candidate) {
			return AutoDeny
		}
	}
	for _, pat := range p.AutoApprove {
		if matches(pat, candidate) {
			return AutoAllow
		}
	}
	return NeedsReview
}
