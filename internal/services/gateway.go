package services

// Outcome is the explicit result of an outbound send. Delivery is
// best-effort everywhere: callers may log a failed Outcome but never
// propagate it, and no state transition waits on one.
type Outcome struct {
	Delivered bool
	Reason    string
}

func Delivered() Outcome           { return Outcome{Delivered: true} }
func Failed(reason string) Outcome { return Outcome{Delivered: false, Reason: reason} }

// Gateway sends one outbound message to a phone-equivalent identity.
type Gateway interface {
	Send(to, body string) Outcome
}

// ConsentChecker answers whether an identity may be pulled into a round.
type ConsentChecker interface {
	IsConsented(id string) (bool, error)
}

// AliasSource names the narrator persona for outbound copy. The alias is
// mutable collaborator state (the mantle can be claimed).
type AliasSource interface {
	CurrentAlias() string
}

// MaskIdentity hides the middle of an identity for reveals, keeping just
// enough shape to sting.
func MaskIdentity(id string) string {
	r := []rune(id)
	if len(r) <= 4 {
		return "••••"
	}
	masked := make([]rune, 0, len(r))
	masked = append(masked, r[:2]...)
	for i := 2; i < len(r)-2; i++ {
		masked = append(masked, '•')
	}
	masked = append(masked, r[len(r)-2:]...)
	return string(masked)
}
