package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

const (
	// Deterministic deployment proxy, present at the same address on most EVM chains
	FactoryAddress = "0x4e59b44847b379578588920cA78FbF26c0B4956C"

	AddressLen = 20
	HashLen    = 32

	// CREATE2 input layout: 0xff (1) + factory (20) + salt (32) + initcodeHash (32) = 85
	Create2PrefixLen = 1 + AddressLen
	Create2SaltLen   = 32
	Create2SuffixLen = HashLen
	Create2InputLen  = Create2PrefixLen + Create2SaltLen + Create2SuffixLen

	create2Marker = 0xff
)

// ErrInvalidInputWidth is returned when an address, salt or hash does not have its fixed byte length.
var ErrInvalidInputWidth = errors.New("invalid input width")

// HashFunc computes the 32-byte digest used for CREATE2 address derivation.
type HashFunc func(data []byte) common.Hash

// Keccak256 is the legacy Keccak-256 used by the EVM. Safe for concurrent use.
func Keccak256(data []byte) common.Hash {
	var out common.Hash
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(data)
	h.Sum(out[:0])
	return out
}

// NewKeccak256 returns a Keccak-256 HashFunc that reuses one hasher state.
// The returned function must not be shared between goroutines.
func NewKeccak256() HashFunc {
	h := sha3.NewLegacyKeccak256()
	return func(data []byte) common.Hash {
		var out common.Hash
		h.Reset()
		_, _ = h.Write(data)
		h.Sum(out[:0])
		return out
	}
}

// InitCodeHash returns the content hash of an init payload (creation bytecode plus constructor args).
func InitCodeHash(initCode []byte) common.Hash {
	return Keccak256(initCode)
}

// Create2Input is the 85-byte CREATE2 preimage. The prefix and suffix are constant
// per run, so only the salt window is rewritten between attempts.
type Create2Input [Create2InputLen]byte

// NewCreate2Input primes the 0xff marker, the factory and the content hash.
func NewCreate2Input(factory common.Address, contentHash common.Hash) *Create2Input {
	var in Create2Input
	in[0] = create2Marker
	copy(in[1:Create2PrefixLen], factory[:])
	copy(in[Create2PrefixLen+Create2SaltLen:], contentHash[:])
	return &in
}

// SetSalt writes salt big-endian, left-padded to 32 bytes.
func (in *Create2Input) SetSalt(salt *uint256.Int) {
	salt.WriteToSlice(in[Create2PrefixLen : Create2PrefixLen+Create2SaltLen])
}

// SetSaltBytes writes a raw 32-byte salt.
func (in *Create2Input) SetSaltBytes(salt [32]byte) {
	copy(in[Create2PrefixLen:Create2PrefixLen+Create2SaltLen], salt[:])
}

// Address hashes the preimage and returns its low 20 bytes.
func (in *Create2Input) Address(hash HashFunc) common.Address {
	var addr common.Address
	sum := hash(in[:])
	copy(addr[:], sum[HashLen-AddressLen:])
	return addr
}

// DeriveAddress computes last20(hash(0xff ‖ factory ‖ salt ‖ contentHash)).
// Widths are checked before any hashing.
func DeriveAddress(hash HashFunc, factory, salt, contentHash []byte) (common.Address, error) {
	if len(factory) != AddressLen {
		return common.Address{}, fmt.Errorf("%w: factory is %d bytes, want %d", ErrInvalidInputWidth, len(factory), AddressLen)
	}
	if len(salt) != Create2SaltLen {
		return common.Address{}, fmt.Errorf("%w: salt is %d bytes, want %d", ErrInvalidInputWidth, len(salt), Create2SaltLen)
	}
	if len(contentHash) != HashLen {
		return common.Address{}, fmt.Errorf("%w: content hash is %d bytes, want %d", ErrInvalidInputWidth, len(contentHash), HashLen)
	}
	if hash == nil {
		hash = Keccak256
	}

	in := NewCreate2Input(common.BytesToAddress(factory), common.BytesToHash(contentHash))
	copy(in[Create2PrefixLen:Create2PrefixLen+Create2SaltLen], salt)
	return in.Address(hash), nil
}

// Create2Address is DeriveAddress with Keccak-256 over fixed-width inputs.
func Create2Address(factory common.Address, salt [32]byte, contentHash common.Hash) common.Address {
	in := NewCreate2Input(factory, contentHash)
	in.SetSaltBytes(salt)
	return in.Address(Keccak256)
}

// SaltBytes encodes a numeric salt as 32 big-endian bytes.
func SaltBytes(salt *uint256.Int) [32]byte {
	return salt.Bytes32()
}

// ---- parsing helpers ----

func trimHex(s string) string {
	h := strings.TrimSpace(s)
	if len(h) >= 2 && (h[0:2] == "0x" || h[0:2] == "0X") {
		h = h[2:]
	}
	return h
}

// DecodeHex decodes a hex string with or without 0x. Odd-length input is rejected.
func DecodeHex(s string) ([]byte, error) {
	h := trimHex(s)
	if len(h)%2 != 0 {
		return nil, fmt.Errorf("hex string must have even length")
	}
	return hex.DecodeString(h)
}

// ParseAddress decodes a 20-byte hex address.
func ParseAddress(s string) (common.Address, error) {
	b, err := DecodeHex(s)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid address hex: %w", err)
	}
	if len(b) != AddressLen {
		return common.Address{}, fmt.Errorf("%w: address is %d bytes, want %d", ErrInvalidInputWidth, len(b), AddressLen)
	}
	return common.BytesToAddress(b), nil
}

// ParseHash decodes a 32-byte hex digest.
func ParseHash(s string) (common.Hash, error) {
	b, err := DecodeHex(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(b) != HashLen {
		return common.Hash{}, fmt.Errorf("%w: hash is %d bytes, want %d", ErrInvalidInputWidth, len(b), HashLen)
	}
	return common.BytesToHash(b), nil
}

// ParseSalt accepts a decimal number or a 0x-prefixed hex value of at most 32 bytes.
// Leading zeros are allowed in both forms.
func ParseSalt(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty salt")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		h := s[2:]
		if len(h)%2 != 0 {
			h = "0" + h
		}
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("invalid salt hex: %w", err)
		}
		if len(b) > Create2SaltLen {
			return nil, fmt.Errorf("%w: salt is %d bytes, want at most %d", ErrInvalidInputWidth, len(b), Create2SaltLen)
		}
		return new(uint256.Int).SetBytes(b), nil
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid salt %q: %w", s, err)
	}
	return v, nil
}
