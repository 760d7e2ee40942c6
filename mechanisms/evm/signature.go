package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// secp256k1HalfOrder is half the secp256k1 curve order, the EIP-2 malleability
// threshold: a canonical signature's s must not exceed it.
var secp256k1HalfOrder = new(big.Int).Rsh(crypto.S256().Params().N, 1)

var sig6492Arguments = mustSig6492Arguments()

func mustSig6492Arguments() abi.Arguments {
	addressTy, _ := abi.NewType("address", "", nil)
	bytesTy, _ := abi.NewType("bytes", "", nil)
	return abi.Arguments{
		{Type: addressTy},
		{Type: bytesTy},
		{Type: bytesTy},
	}
}

// erc6492MagicSuffix is the raw 32-byte form of ERC6492MagicValue.
var erc6492MagicSuffix = func() []byte {
	b, err := HexToBytes(ERC6492MagicValue)
	if err != nil {
		panic(err)
	}
	return b
}()

// ClassifySignature parses raw signature bytes into a StructuredSignature
// (C2): EIP-6492 counterfactual wrapper, EOA (recoverable against
// expectedSigner over digest), or EIP-1271 contract-wallet fallback.
//
// Rules, in order:
//  1. If len(raw) >= 32 and the trailing 32 bytes equal the EIP-6492 magic
//     suffix, ABI-decode the prefix as (address factory, bytes
//     factoryCalldata, bytes innerSig). A decode failure is a format error,
//     never silently downgraded to another variant.
//  2. Otherwise, if raw is 65 bytes (r,s,v) or 64 bytes (ERC-2098 compact
//     r,vs), normalize s to the curve's lower half (flipping the recovery
//     parity to match) and recover the signer. If recovery succeeds and
//     matches expectedSigner, classify as EOA.
//  3. Otherwise, classify as EIP1271 and let the chain decide via
//     isValidSignature.
func ClassifySignature(raw []byte, expectedSigner common.Address, digest [32]byte) (StructuredSignature, error) {
	if len(raw) >= 32 && string(raw[len(raw)-32:]) == string(erc6492MagicSuffix) {
		body := raw[:len(raw)-32]
		values, err := sig6492Arguments.Unpack(body)
		if err != nil {
			return StructuredSignature{}, fmt.Errorf("evm: invalid EIP-6492 signature prefix: %w", err)
		}
		factory, ok := values[0].(common.Address)
		if !ok {
			return StructuredSignature{}, fmt.Errorf("evm: invalid EIP-6492 factory field")
		}
		factoryCalldata, ok := values[1].([]byte)
		if !ok {
			return StructuredSignature{}, fmt.Errorf("evm: invalid EIP-6492 factoryCalldata field")
		}
		inner, ok := values[2].([]byte)
		if !ok {
			return StructuredSignature{}, fmt.Errorf("evm: invalid EIP-6492 innerSig field")
		}
		return StructuredSignature{
			Kind:            SignatureEIP6492,
			Factory:         factory.Hex(),
			FactoryCalldata: factoryCalldata,
			Inner:           inner,
			Original:        raw,
		}, nil
	}

	r, s, v, ok := parseEOAComponents(raw)
	if ok {
		r, s, v = normalizeS(r, s, v)
		if recovered, err := recoverAddress(digest, r, s, v); err == nil && recovered == expectedSigner {
			var rb, sb [32]byte
			r.FillBytes(rb[:])
			s.FillBytes(sb[:])
			return StructuredSignature{Kind: SignatureEOA, R: rb, S: sb, V: v, Original: raw}, nil
		}
	}

	return StructuredSignature{Kind: SignatureEIP1271, Inner: raw, Original: raw}, nil
}

// parseEOAComponents extracts (r, s, v) from a 65-byte (r||s||v) signature or
// a 64-byte ERC-2098 compact (r||vs) signature. v is returned as a recovery
// id in {0, 1}. ok is false for any other length.
func parseEOAComponents(raw []byte) (r, s *big.Int, v uint8, ok bool) {
	switch len(raw) {
	case 65:
		r = new(big.Int).SetBytes(raw[0:32])
		s = new(big.Int).SetBytes(raw[32:64])
		vb := raw[64]
		if vb >= 27 {
			vb -= 27
		}
		return r, s, vb, true
	case 64:
		r = new(big.Int).SetBytes(raw[0:32])
		vs := new(big.Int).SetBytes(raw[32:64])
		// ERC-2098: top bit of the second word is yParity, remainder is s.
		yParity := uint8(0)
		if vs.Bit(255) == 1 {
			yParity = 1
		}
		sMasked := new(big.Int).SetBytes(raw[32:64])
		sMasked.SetBit(sMasked, 255, 0)
		return r, sMasked, yParity, true
	default:
		return nil, nil, 0, false
	}
}

// normalizeS enforces EIP-2 malleability: if s is above the curve's lower
// half, replace it with N-s and flip the recovery parity so the same address
// still recovers.
func normalizeS(r, s *big.Int, v uint8) (*big.Int, *big.Int, uint8) {
	if s.Cmp(secp256k1HalfOrder) <= 0 {
		return r, s, v
	}
	flipped := new(big.Int).Sub(crypto.S256().Params().N, s)
	return r, flipped, v ^ 1
}

// recoverAddress recovers the signer address from (r, s, v) over digest.
func recoverAddress(digest [32]byte, r, s *big.Int, v uint8) (common.Address, error) {
	sig := make([]byte, 65)
	r.FillBytes(sig[0:32])
	s.FillBytes(sig[32:64])
	sig[64] = v

	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
