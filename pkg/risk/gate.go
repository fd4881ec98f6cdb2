// Package risk classifies instructions that must wait for human approval
// before the agent acts on them.
//
// Assess is pure and synchronous. It looks for a small set of destructive
// signatures and is a best-effort safety net, not a security boundary: it
// prefers missing an unusual phrasing over blocking ordinary requests.
package risk

import (
	"regexp"
	"strings"
)

// Level is the severity attached to a gated instruction.
type Level string

const (
	High Level = "HIGH"
)

// Assessment explains why an instruction was gated.
type Assessment struct {
	Level     Level  `json:"level"`
	Signature string `json:"signature"`
	Reason    string `json:"reason"`
}

type signature struct {
	name    string
	reason  string
	pattern *regexp.Regexp
}

var signatures = []signature{
	{
		name:   "recursive_delete",
		reason: "recursively deletes files",
		pattern: regexp.MustCompile(`(?i)(\brm\s+-(?:[a-z]*r[a-z]*f|[a-z]*f[a-z]*r)\b` +
			`|\b(?:delete|remove|erase|wipe)\s+(?:everything\b` +
			`|(?:all|every|the\s+entire)\s+(?:of\s+)?(?:(?:my|the|your|our|these|those)\s+)?` +
			`(?:files?|folders?|directories|data|disks?|drives?|contents|home\s+(?:dir|directory|folder)|file\s*system)\b)` +
			`|\bwipe\s+(?:the\s+)?(?:disk|drive|filesystem)\b` +
			`|\bformat\s+(?:the\s+)?(?:disk|drive|c:))`),
	},
	{
		name:   "drop_datastore",
		reason: "drops or destroys a datastore",
		pattern: regexp.MustCompile(`(?i)(\bdrop\s+(?:table|database|schema|collection)\b` +
			`|\b(?:destroy|delete|drop|nuke)\s+(?:the\s+|my\s+|our\s+)?(?:production\s+)?(?:database|db|datastore|bucket)\b` +
			`|\btruncate\s+table\b` +
			`|\bflushall\b)`),
	},
	{
		name:   "kill_process",
		reason: "kills or terminates processes",
		pattern: regexp.MustCompile(`(?i)(\bkill\s+-(?:9|kill|term)\b` +
			`|\bkillall\b|\bpkill\b` +
			`|\b(?:kill|terminate)\s+(?:all\s+|the\s+|every\s+)?(?:process(?:es)?|pid|services?)\b)`),
	},
	{
		name:   "shutdown",
		reason: "shuts down or restarts the machine",
		pattern: regexp.MustCompile(`(?i)(\bshutdown\s+(?:-[hrp]\b|now\b|\+\d+)` +
			`|\bshut\s*down\s+(?:the\s+|this\s+)?(?:server|machine|system|computer|host|box)\b` +
			`|\bpoweroff\b|\breboot\s+(?:now|the\s+(?:server|machine|system))\b|\bhalt\s+-p\b)`),
	},
}

// Assess returns an Assessment when text matches a destructive signature and nil otherwise.
func Assess(text string) *Assessment {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	for _, sig := range signatures {
		if sig.pattern.MatchString(text) {
			return &Assessment{
				Level:     High,
				Signature: sig.name,
				Reason:    "instruction " + sig.reason,
			}
		}
	}
	return nil
}

// Signatures lists the names of the active signatures in evaluation order.
func Signatures() []string {
	names := make([]string, len(signatures))
	for i, sig := range signatures {
		names[i] = sig.name
	}
	return names
}
