package permission

import (
	"fmt"
	"strings"
)

// Permission is a bitmap over the capability flags of a topic relationship.
// The wire/storage representation is a compact string of flag characters
// (e.g. "JRWP"); translation happens only at this boundary.
type Permission uint8

const (
	CanJoin Permission = 1 << iota
	CanRead
	CanWrite
	CanShare
	CanDelete
	CanAdminister
	CanGetNotifiedOfPresence
	Owner
)

// flagOrder fixes the canonical rendering order of the wire string.
var flagOrder = []struct {
	char byte
	flag Permission
}{
	{'J', CanJoin},
	{'R', CanRead},
	{'W', CanWrite},
	{'S', CanShare},
	{'D', CanDelete},
	{'A', CanAdminister},
	{'P', CanGetNotifiedOfPresence},
	{'O', Owner},
}

// Parse translates a stored permission string into a bitmap. Unknown
// characters are ignored: evaluation of a malformed string simply yields
// "false" for every non-owner check. Strictness lives in Validate, which is
// only applied when a permission is edited.
func Parse(s string) Permission {
	var p Permission
	for i := 0; i < len(s); i++ {
		for _, f := range flagOrder {
			if s[i] == f.char {
				p |= f.flag
				break
			}
		}
	}
	return p
}

// Has reports whether the flag is granted. Owner implies every capability.
func (p Permission) Has(flag Permission) bool {
	if p&Owner != 0 {
		return true
	}
	return p&flag == flag
}

func (p Permission) CanJoin() bool                  { return p.Has(CanJoin) }
func (p Permission) CanRead() bool                  { return p.Has(CanRead) }
func (p Permission) CanWrite() bool                 { return p.Has(CanWrite) }
func (p Permission) CanShare() bool                 { return p.Has(CanShare) }
func (p Permission) CanDelete() bool                { return p.Has(CanDelete) }
func (p Permission) CanAdminister() bool            { return p.Has(CanAdminister) }
func (p Permission) CanGetNotifiedOfPresence() bool { return p.Has(CanGetNotifiedOfPresence) }

// IsOwner reports the literal Owner flag, without the implication shortcut.
func (p Permission) IsOwner() bool { return p&Owner != 0 }

// String renders the canonical compact string in the fixed "JRWSDAPO" order.
// Owner is rendered literally; it does not expand into the other flags.
func (p Permission) String() string {
	var b strings.Builder
	for _, f := range flagOrder {
		if p&f.flag != 0 {
			b.WriteByte(f.char)
		}
	}
	return b.String()
}

// Validate is the edit-time pre-check for user-supplied permission strings.
// It rejects unknown and duplicated flag characters. It is never called on
// the evaluation path.
func Validate(s string) error {
	seen := make(map[byte]bool, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		known := false
		for _, f := range flagOrder {
			if c == f.char {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown permission flag %q", string(c))
		}
		if seen[c] {
			return fmt.Errorf("duplicate permission flag %q", string(c))
		}
		seen[c] = true
	}
	return nil
}
