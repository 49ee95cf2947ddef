package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeInvestor AccountScope = iota
	AccountScopePool
	AccountScopeExternal
)

// poolAccountTag prefixes a pool id inside EntityID so pool escrow accounts
// can never collide with investor UUIDs that happen to share the low bytes.
var poolAccountTag = [8]byte{'t', 'r', 'p', 'o', 'o', 'l', 0, 0}

// AccountKey identifies a holder of currency or tranche tokens.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // investor UUID, tagged pool id, or external name
}

// NewInvestorAccount creates a key for an investor or borrower.
func NewInvestorAccount(id uuid.UUID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeInvestor,
		EntityID: id,
	}
}

// NewPoolAccount derives the escrow account of a pool.
func NewPoolAccount(poolID uint64) AccountKey {
	var entityID [16]byte
	copy(entityID[:8], poolAccountTag[:])
	binary.BigEndian.PutUint64(entityID[8:], poolID)
	return AccountKey{
		Scope:    AccountScopePool,
		EntityID: entityID,
	}
}

// NewExternalAccount creates a key for a boundary account such as the
// issuance counterpart of mints and burns.
func NewExternalAccount(name string) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeExternal,
		EntityID: entityID,
	}
}

// IssuanceAccount is the counterpart of every mint and burn journal.
var IssuanceAccount = NewExternalAccount("issuance")

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeInvestor:
		return fmt.Sprintf("investor:%s", uuid.UUID(k.EntityID).String())
	case AccountScopePool:
		return fmt.Sprintf("pool:%d", binary.BigEndian.Uint64(k.EntityID[8:]))
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", strings.TrimRight(string(k.EntityID[:]), "\x00"))
	}
	return "unknown"
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	scope, rest, ok := strings.Cut(path, ":")
	if !ok {
		return AccountKey{}, fmt.Errorf("invalid account path %q", path)
	}
	switch scope {
	case "investor":
		id, err := uuid.Parse(rest)
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse investor id: %w", err)
		}
		return NewInvestorAccount(id), nil
	case "pool":
		poolID, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse pool id: %w", err)
		}
		return NewPoolAccount(poolID), nil
	case "external":
		if rest == "" || len(rest) > 16 {
			return AccountKey{}, fmt.Errorf("invalid external account %q", rest)
		}
		return NewExternalAccount(rest), nil
	default:
		return AccountKey{}, fmt.Errorf("unknown account scope %q", scope)
	}
}

// MarshalText lets AccountKey be used directly in JSON payloads.
func (k AccountKey) MarshalText() ([]byte, error) {
	return []byte(k.AccountPath()), nil
}

func (k *AccountKey) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountPath(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
