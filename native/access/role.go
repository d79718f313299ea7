package access

import (
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Canonical names of the three protected roles created at initialization.
const (
	OwnerRoleName       = "OWNER_ROLE"
	BroadcasterRoleName = "BROADCASTER_ROLE"
	RecoveryRoleName    = "RECOVERY_ROLE"
)

var (
	OwnerRole       = RoleHash(OwnerRoleName)
	BroadcasterRole = RoleHash(BroadcasterRoleName)
	RecoveryRole    = RoleHash(RecoveryRoleName)
)

// RoleHash derives the identifier of a role from its name.
func RoleHash(name string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte(strings.TrimSpace(name)))
}

// IsProtectedRole reports whether the hash names one of the system roles.
func IsProtectedRole(hash [32]byte) bool {
	return hash == OwnerRole || hash == BroadcasterRole || hash == RecoveryRole
}

type role struct {
	name        string
	hash        [32]byte
	walletLimit uint32
	protected   bool
	members     [][20]byte
	index       map[[20]byte]int
}

func newRole(name string, walletLimit uint32, protected bool) *role {
	return &role{
		name:        strings.TrimSpace(name),
		hash:        RoleHash(name),
		walletLimit: walletLimit,
		protected:   protected,
		index:       make(map[[20]byte]int),
	}
}

func (r *role) has(wallet [20]byte) bool {
	_, ok := r.index[wallet]
	return ok
}

func (r *role) add(wallet [20]byte) {
	r.index[wallet] = len(r.members)
	r.members = append(r.members, wallet)
}

// remove swaps the last member into the removed slot.
func (r *role) remove(wallet [20]byte) {
	idx, ok := r.index[wallet]
	if !ok {
		return
	}
	last := len(r.members) - 1
	if idx != last {
		moved := r.members[last]
		r.members[idx] = moved
		r.index[moved] = idx
	}
	r.members = r.members[:last]
	delete(r.index, wallet)
}

func (r *role) clone() *role {
	out := &role{
		name:        r.name,
		hash:        r.hash,
		walletLimit: r.walletLimit,
		protected:   r.protected,
		members:     append([][20]byte(nil), r.members...),
		index:       make(map[[20]byte]int, len(r.index)),
	}
	for k, v := range r.index {
		out.index[k] = v
	}
	return out
}

func (r *role) info() Role {
	return Role{
		Name:        r.name,
		Hash:        r.hash,
		WalletLimit: r.walletLimit,
		MemberCount: uint32(len(r.members)),
		Protected:   r.protected,
		Members:     append([][20]byte(nil), r.members...),
	}
}

// Role is a read-only view of a role and its members.
type Role struct {
	Name        string
	Hash        [32]byte
	WalletLimit uint32
	MemberCount uint32
	Protected   bool
	Members     [][20]byte
}
