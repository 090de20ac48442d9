package session

import "github.com/srg/blemcp/internal/hardware"

// WritePolicy decides whether a write to a characteristic is permitted.
// The zero value rejects all writes.
type WritePolicy struct {
	// AllowWrites is the master switch. When false every write is rejected
	// regardless of the allowlist.
	AllowWrites bool
	// Allowlist restricts writes to specific characteristic UUIDs. An empty
	// allowlist with AllowWrites set permits writes to any characteristic.
	Allowlist []string
}

// Check validates a write to charUUID against the policy. The UUID is
// normalized before comparison so short and long forms match.
func (p WritePolicy) Check(charUUID string) error {
	if !p.AllowWrites {
		return Errorf(CodeWritesDisabled, "writes are disabled; enable them in the server configuration")
	}
	if len(p.Allowlist) == 0 {
		return nil
	}
	want := hardware.NormalizeUUID(charUUID)
	for _, allowed := range p.Allowlist {
		if hardware.NormalizeUUID(allowed) == want {
			return nil
		}
	}
	return Errorf(CodeNotAllowlisted, "characteristic %s is not in the write allowlist", want)
}
