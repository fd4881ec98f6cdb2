package planner

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Heuristic is a deterministic planner working only from the latest user
// instruction. Rules are tried in order; the first match wins.
type Heuristic struct{}

// Plan implements Planner. It never returns an error.
func (h Heuristic) Plan(_ context.Context, history []Message) (Action, error) {
	action, _ := h.Classify(LatestInstruction(history))
	return action, nil
}

// Classify maps an instruction to an action. confident is false when no rule
// matched and the action is the fallback reply.
func (Heuristic) Classify(instruction string) (action Action, confident bool) {
	text := strings.TrimSpace(instruction)
	for _, r := range heuristicRules {
		if a, ok := r.match(text); ok {
			a.Rationale = "heuristic: " + r.name
			return a, true
		}
	}
	return ReplyAction(text, "heuristic: no rule matched"), false
}

type heuristicRule struct {
	name  string
	match func(text string) (Action, bool)
}

var heuristicRules = []heuristicRule{
	{name: "open_url", match: matchOpen},
	{name: "currency", match: matchCurrency},
	{name: "fetch_url", match: matchFetch},
	{name: "read_file", match: matchReadFile},
	{name: "generate_image", match: matchImage},
	{name: "question", match: matchQuestion},
}

var (
	openRe  = regexp.MustCompile(`(?i)^(?:please\s+)?(?:open|visit|browse(?:\s+to)?|go\s+to)\s+(\S+)`)
	fetchRe = regexp.MustCompile(`(?i)^(?:please\s+)?(?:fetch|get|download)\s+(?:the\s+)?(?:page\s+|url\s+)?(https?://\S+)`)
	readRe  = regexp.MustCompile(`(?i)^(?:please\s+)?(?:read|show|cat)\s+(?:the\s+)?file\s+(\S+)`)

	amountPairRe = regexp.MustCompile(`(?i)(?:^|\s)(\d+(?:[.,]\d+)?)\s*([a-z]{3})\s+(?:to|in|into)\s+([a-z]{3})\b`)
	slashPairRe  = regexp.MustCompile(`(?i)\b([a-z]{3})\s*/\s*([a-z]{3})\b`)
	rateWordRe   = regexp.MustCompile(`(?i)\b(?:rate|exchange|convert)\b`)

	drawRe     = regexp.MustCompile(`(?i)^(?:please\s+)?draw\s+(?:me\s+)?(.+)$`)
	generateRe = regexp.MustCompile(`(?i)^(?:please\s+)?(?:generate|create|make)\s+(?:me\s+)?(?:an?\s+)?(?:image|picture|photo|illustration)\s+(?:of\s+)?(.+)$`)

	questionWordRe = regexp.MustCompile(`(?i)^(?:who|what|when|where|why|how|which|is|are|can|does|do|did|will)\b`)
	domainRe       = regexp.MustCompile(`^[a-zA-Z0-9-]+(?:\.[a-zA-Z0-9-]+)+(?:/\S*)?$`)
)

// currencyCodes are the ISO 4217 codes the heuristic recognises.
var currencyCodes = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "CHF": {}, "CAD": {}, "AUD": {},
	"NZD": {}, "CNY": {}, "HKD": {}, "SGD": {}, "SEK": {}, "NOK": {}, "DKK": {},
	"PLN": {}, "CZK": {}, "HUF": {}, "INR": {}, "IDR": {}, "KRW": {}, "MXN": {},
	"BRL": {}, "ZAR": {}, "TRY": {}, "THB": {}, "MYR": {}, "PHP": {}, "AED": {},
	"SAR": {}, "ILS": {}, "RUB": {}, "UAH": {}, "VND": {}, "ARS": {}, "CLP": {},
}

func isCurrency(code string) bool {
	_, ok := currencyCodes[strings.ToUpper(code)]
	return ok
}

// fileExtensions are suffixes that make "open x.<ext>" a file, not a host.
var fileExtensions = map[string]struct{}{
	"json": {}, "yaml": {}, "yml": {}, "toml": {}, "ini": {}, "conf": {}, "cfg": {}, "env": {},
	"txt": {}, "md": {}, "csv": {}, "tsv": {}, "log": {}, "xml": {}, "html": {}, "htm": {},
	"go": {}, "py": {}, "js": {}, "ts": {}, "rb": {}, "rs": {}, "java": {}, "sh": {}, "sql": {},
	"mod": {}, "sum": {}, "lock": {},
}

// isFileName reports whether target is a bare file name such as
// settings.json. Anything with a path component is left to domainRe.
func isFileName(target string) bool {
	if strings.Contains(target, "/") {
		return false
	}
	dot := strings.LastIndex(target, ".")
	if dot <= 0 || dot == len(target)-1 {
		return false
	}
	_, ok := fileExtensions[strings.ToLower(target[dot+1:])]
	return ok
}

func action(name string, input interface{}) Action {
	raw, _ := json.Marshal(input)
	return Action{Name: name, Input: raw}
}

func trimTrailingPunct(s string) string {
	return strings.TrimRight(s, ".,;:!?)\"'")
}

func matchOpen(text string) (Action, bool) {
	m := openRe.FindStringSubmatch(text)
	if m == nil {
		return Action{}, false
	}
	target := trimTrailingPunct(m[1])
	switch {
	case strings.HasPrefix(strings.ToLower(target), "http://"), strings.HasPrefix(strings.ToLower(target), "https://"):
	case isFileName(target):
		return action("read_file", map[string]string{"path": target}), true
	case domainRe.MatchString(target):
		target = "https://" + target
	default:
		return Action{}, false
	}
	return action("browser_open", map[string]string{"url": target}), true
}

func matchCurrency(text string) (Action, bool) {
	if m := amountPairRe.FindStringSubmatch(text); m != nil && isCurrency(m[2]) && isCurrency(m[3]) {
		amount, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err != nil {
			return Action{}, false
		}
		return action("fetch_rate", map[string]interface{}{
			"amount": amount,
			"from":   strings.ToUpper(m[2]),
			"to":     strings.ToUpper(m[3]),
		}), true
	}
	if m := slashPairRe.FindStringSubmatch(text); m != nil && isCurrency(m[1]) && isCurrency(m[2]) && rateWordRe.MatchString(text) {
		return action("fetch_rate", map[string]interface{}{
			"amount": 1.0,
			"from":   strings.ToUpper(m[1]),
			"to":     strings.ToUpper(m[2]),
		}), true
	}
	return Action{}, false
}

func matchFetch(text string) (Action, bool) {
	m := fetchRe.FindStringSubmatch(text)
	if m == nil {
		return Action{}, false
	}
	return action("fetch_url", map[string]string{"url": trimTrailingPunct(m[1])}), true
}

func matchReadFile(text string) (Action, bool) {
	m := readRe.FindStringSubmatch(text)
	if m == nil {
		return Action{}, false
	}
	return action("read_file", map[string]string{"path": strings.Trim(m[1], "\"'`")}), true
}

func matchImage(text string) (Action, bool) {
	var prompt string
	if m := generateRe.FindStringSubmatch(text); m != nil {
		prompt = m[1]
	} else if m := drawRe.FindStringSubmatch(text); m != nil {
		prompt = m[1]
	} else {
		return Action{}, false
	}
	prompt = strings.TrimSpace(strings.TrimRight(prompt, ".!"))
	if prompt == "" {
		return Action{}, false
	}
	return action("generate_image", map[string]string{"prompt": prompt}), true
}

func matchQuestion(text string) (Action, bool) {
	if !strings.HasSuffix(text, "?") && !questionWordRe.MatchString(text) {
		return Action{}, false
	}
	query := strings.TrimSpace(strings.TrimRight(text, "?"))
	if query == "" {
		return Action{}, false
	}
	return action("web_search", map[string]string{"query": query}), true
}
