package consent

import (
	"strings"

	"github.com/google/uuid"
)

// Entity id prefixes make identifiers self-describing in logs and audit rows.
const (
	PrefixSubject = "sub"
	PrefixDomain  = "dom"
	PrefixPolicy  = "pol"
	PrefixPurpose = "pur"
	PrefixConsent = "cns"
	PrefixRecord  = "rec"
	PrefixAudit   = "log"
)

// NewID generates a prefixed identifier, e.g. "cns_0b9c...".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
