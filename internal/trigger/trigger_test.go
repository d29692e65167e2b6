package trigger

import (
	"testing"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		escalate   bool
		reason     string
		department string
		priority   types.Priority
	}{
		{"explicit human", "I want to talk to a human", true, ReasonUserRequested, "general", types.PriorityNormal},
		{"mixed case", "Can I SPEAK TO SOMEONE please", true, ReasonUserRequested, "general", types.PriorityNormal},
		{"frustrated billing", "This is useless, my invoice is wrong", true, ReasonUserFrustrated, "billing", types.PriorityNormal},
		{"not working is urgent", "the export is not working", true, ReasonUserFrustrated, "general", types.PriorityHigh},
		{"complex technical", "I have a complicated api integration question", true, ReasonComplexQuery, "technical", types.PriorityNormal},
		{"sales no escalation", "what is the price of the pro plan", false, "", "sales", types.PriorityNormal},
		{"word prefix", "where are my refunds", false, "", "billing", types.PriorityNormal},
		{"broken is high priority", "checkout is broken", false, "", "technical", types.PriorityHigh},
		{"humane is not human", "a humane question", false, "", "general", types.PriorityNormal},
		{"empty", "", false, "", "general", types.PriorityNormal},
		{"request wins over frustration", "this bot is useless, get me a live agent", true, ReasonUserRequested, "general", types.PriorityNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.text)
			if d.ShouldEscalate != tt.escalate {
				t.Errorf("expected escalate=%v, got %v", tt.escalate, d.ShouldEscalate)
			}
			if d.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, d.Reason)
			}
			if d.Department != tt.department {
				t.Errorf("expected department %q, got %q", tt.department, d.Department)
			}
			if d.Priority != tt.priority {
				t.Errorf("expected priority %d, got %d", tt.priority, d.Priority)
			}
		})
	}
}

func TestEvaluateUnconfiguredDepartmentFallsBack(t *testing.T) {
	e := New([]string{"general", "sales"})

	d := e.Evaluate("I need to talk to a human about my invoice")
	if d.Department != "general" {
		t.Errorf("billing is not configured, expected general, got %q", d.Department)
	}

	d = e.Evaluate("I want to buy more seats, talk to a human")
	if d.Department != "sales" {
		t.Errorf("expected sales, got %q", d.Department)
	}
}
