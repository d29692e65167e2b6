// Package trigger decides whether a bot turn should be escalated to a
// human and which department should pick it up.
package trigger

import (
	"strings"
	"unicode"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// Escalation reasons
const (
	ReasonUserRequested  = "user_requested"
	ReasonUserFrustrated = "user_frustrated"
	ReasonComplexQuery   = "complex_query"
)

// Decision is the outcome of evaluating one utterance
type Decision struct {
	ShouldEscalate bool           `json:"shouldEscalate"`
	Reason         string         `json:"reason,omitempty"`
	Department     string         `json:"department"`
	Priority       types.Priority `json:"priority"`
}

type phraseRule struct {
	reason  string
	phrases []string
}

// Checked in order, first match wins
var escalationRules = []phraseRule{
	{ReasonUserRequested, []string{
		"talk to a human", "talk to human", "speak to agent", "speak to a person",
		"customer service", "live chat", "human support", "real person",
		"customer representative", "talk to someone", "speak to someone",
		"human agent", "live agent", "live support", "customer care",
		"help desk", "support team", "human",
	}},
	{ReasonUserFrustrated, []string{
		"not helpful", "doesn't understand", "not working", "frustrated",
		"useless", "terrible", "worst", "horrible", "stupid bot",
		"doesn't work", "can't help", "waste of time",
	}},
	{ReasonComplexQuery, []string{
		"complex", "complicated", "detailed", "specific situation",
		"special case", "exception", "urgent", "important",
	}},
}

type departmentRule struct {
	department string
	keywords   []string
}

var departmentRules = []departmentRule{
	{"sales", []string{"buy", "purchase", "price", "cost", "demo", "trial", "sales"}},
	{"technical", []string{"bug", "error", "broken", "technical", "code", "api", "integration"}},
	{"billing", []string{"bill", "payment", "invoice", "refund", "subscription", "charge"}},
	{types.DeptGeneral, []string{"complaint", "feedback", "suggestion"}},
}

var urgencyPhrases = []string{"urgent", "emergency", "critical", "broken", "not working"}

// Evaluator holds the departments a tenant routes to
type Evaluator struct {
	departments map[string]bool
}

// New builds an evaluator limited to the given departments. An empty list
// means the default set.
func New(departments []string) *Evaluator {
	if len(departments) == 0 {
		departments = types.DefaultDepartments
	}
	e := &Evaluator{departments: make(map[string]bool, len(departments))}
	for _, d := range departments {
		e.departments[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return e
}

var defaultEvaluator = New(nil)

// Evaluate runs the default evaluator
func Evaluate(text string) Decision {
	return defaultEvaluator.Evaluate(text)
}

// Evaluate inspects one utterance. It never fails; unknown or empty input
// yields a non-escalating decision for the general department.
func (e *Evaluator) Evaluate(text string) Decision {
	u := parse(text)

	d := Decision{Department: types.DeptGeneral, Priority: types.PriorityNormal}
	for _, rule := range escalationRules {
		if u.matchesAny(rule.phrases) {
			d.ShouldEscalate = true
			d.Reason = rule.reason
			break
		}
	}

	for _, rule := range departmentRules {
		if u.hasWordPrefix(rule.keywords) {
			if e.departments[rule.department] {
				d.Department = rule.department
			}
			break
		}
	}

	if u.matchesAny(urgencyPhrases) {
		d.Priority = types.PriorityHigh
	}
	return d
}

// utterance is the normalised text plus its word tokens
type utterance struct {
	text  string
	words []string
}

func parse(text string) utterance {
	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return utterance{text: strings.Join(strings.Fields(lower), " "), words: words}
}

// matchesAny matches phrases as substrings and single words on word
// boundaries
func (u utterance) matchesAny(phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(p, " ") {
			if strings.Contains(u.text, p) {
				return true
			}
			continue
		}
		for _, w := range u.words {
			if w == p {
				return true
			}
		}
	}
	return false
}

// hasWordPrefix matches keywords at the start of a word so "refund"
// also covers "refunds" and "bill" covers "billing"
func (u utterance) hasWordPrefix(keywords []string) bool {
	for _, k := range keywords {
		for _, w := range u.words {
			if strings.HasPrefix(w, k) {
				return true
			}
		}
	}
	return false
}
