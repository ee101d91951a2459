package state

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	escrowPrefix           = []byte("escrow:")
	escrowListKeyBytes     = ethcrypto.Keccak256([]byte("escrow-list"))
	projectIndexPrefix     = []byte("project-index:")
	attestationPrefix      = []byte("attestation:")
	attestationCountPrefix = []byte("attestation-count:")
	accountPrefix          = []byte("account:")
	vaultBalancePrefix     = []byte("vault-balance:")
	vaultAddrPrefix        = []byte("vault:")
	marketConfigKeyBytes   = ethcrypto.Keccak256([]byte("market-config"))
)

func escrowKey(id [32]byte) []byte {
	return ethcrypto.Keccak256(escrowPrefix, id[:])
}

func projectIndexKey(projectID uint64) []byte {
	var pid [8]byte
	binary.BigEndian.PutUint64(pid[:], projectID)
	return ethcrypto.Keccak256(projectIndexPrefix, pid[:])
}

func attestationKey(escrowID [32]byte, seq uint32) []byte {
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], seq)
	return ethcrypto.Keccak256(attestationPrefix, escrowID[:], s[:])
}

func attestationCountKey(escrowID [32]byte) []byte {
	return ethcrypto.Keccak256(attestationCountPrefix, escrowID[:])
}

func accountKey(addr []byte) []byte {
	return ethcrypto.Keccak256(accountPrefix, addr)
}

func vaultBalanceKey(id [32]byte, asset string) []byte {
	return ethcrypto.Keccak256(vaultBalancePrefix, []byte(asset), []byte{':'}, id[:])
}

// VaultAddress derives the deterministic custody address for an asset. The
// external ledger service owns the account; the engine only addresses it.
func VaultAddress(asset string) [20]byte {
	digest := ethcrypto.Keccak256(vaultAddrPrefix, []byte(asset))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}
