package crypto

import "github.com/ethereum/go-ethereum/crypto"

// ModuleAddress derives a deterministic address for a system-owned account
// (token contracts, facility reserve) from a stable label. No private key
// exists for these accounts.
func ModuleAddress(label string) Address {
	digest := crypto.Keccak256([]byte("yieldsource/module/" + label))
	return NewAddress(AccountPrefix, digest[len(digest)-AddressLength:])
}
