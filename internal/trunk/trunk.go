package trunk

import (
	"math/rand/v2"
	"strings"
)

// Kind classifies a trunk by the provisioning family encoded in its ID prefix.
type Kind string

const (
	KindTelnyx Kind = "telnyx"
	KindCustom Kind = "custom"
	KindOther  Kind = "other"
)

// Trunk is one outbound route owned by a tenant. PhoneNumbers holds the
// caller IDs available on the route; one is chosen at random per origination.
type Trunk struct {
	ID           string
	PhoneNumbers []string
	Verified     bool
}

// Kind derives the trunk family from the ID prefix.
func (t Trunk) Kind() Kind {
	switch {
	case strings.HasPrefix(t.ID, "telnyx_"):
		return KindTelnyx
	case strings.HasPrefix(t.ID, "custom_"):
		return KindCustom
	default:
		return KindOther
	}
}

// UsageCap returns the maximum number of live assignments the trunk admits.
// 0 means unlimited. Telnyx and custom trunks are capped at 9 when verified
// and 4 otherwise; anything else is uncapped.
func (t Trunk) UsageCap() int {
	switch t.Kind() {
	case KindTelnyx, KindCustom:
		if t.Verified {
			return 9
		}
		return 4
	default:
		return 0
	}
}

// RandomNumber picks one of the trunk's phone numbers uniformly at random.
// Returns false if the trunk has none.
func (t Trunk) RandomNumber() (string, bool) {
	if len(t.PhoneNumbers) == 0 {
		return "", false
	}
	return t.PhoneNumbers[rand.IntN(len(t.PhoneNumbers))], true
}

// clone returns a deep copy so assignment snapshots never alias inventory.
func (t Trunk) clone() Trunk {
	c := t
	c.PhoneNumbers = append([]string(nil), t.PhoneNumbers...)
	return c
}

// NormalizeToken strips all dashes from a user token. Tokens arrive both
// dashed and bare; the store keys on the bare form.
func NormalizeToken(token string) string {
	return strings.ReplaceAll(token, "-", "")
}

// SplitNumbers parses a comma-separated phone number list, trimming
// whitespace and dropping empty entries.
func SplitNumbers(s string) []string {
	parts := strings.Split(s, ",")
	numbers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			numbers = append(numbers, p)
		}
	}
	return numbers
}
