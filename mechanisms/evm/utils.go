package evm

import "github.com/ethereum/go-ethereum/common"

// IsValidAddress reports whether s is a well-formed 20-byte hex address,
// with or without a "0x" prefix.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress renders s in go-ethereum's canonical checksummed form,
// the same representation every other address comparison in this package
// goes through (see sameAddress in validator.go).
func NormalizeAddress(s string) string {
	return common.HexToAddress(s).Hex()
}
