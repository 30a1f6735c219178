// ABOUTME: Bot escalation policies deciding when AUTOMATION hands over to WAITING
// ABOUTME: The threshold is deployment configuration, not a built-in constant

package conversation

// EscalationPolicy decides, after a failed bot attempt has been counted,
// whether the conversation should be queued for a human.
type EscalationPolicy interface {
	ShouldEscalate(c *Conversation) bool
}

// NeverEscalate leaves escalation entirely to explicit Escalate calls.
type NeverEscalate struct{}

func (NeverEscalate) ShouldEscalate(*Conversation) bool { return false }

// MaxAttemptsPolicy escalates once BotAttempts reaches MaxAttempts.
// MaxAttempts <= 0 disables automatic escalation.
type MaxAttemptsPolicy struct {
	MaxAttempts int
}

func (p MaxAttemptsPolicy) ShouldEscalate(c *Conversation) bool {
	return p.MaxAttempts > 0 && c.BotAttempts >= p.MaxAttempts
}

// PolicyFromMaxAttempts returns the policy configured by a max-attempts setting.
func PolicyFromMaxAttempts(n int) EscalationPolicy {
	if n <= 0 {
		return NeverEscalate{}
	}
	return MaxAttemptsPolicy{MaxAttempts: n}
}
