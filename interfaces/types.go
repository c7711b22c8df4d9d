package interfaces

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/credential-registry/cryptoutils"
)

type DocumentKey = cryptoutils.DocumentKey

var (
	hash32Regex  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// DocumentHash is the SHA-256 digest of a credential's plaintext bytes.
// Its canonical string form is lowercase 0x-prefixed hex.
type DocumentHash [32]byte

// ComputeDocumentHash calculates the document hash of plaintext data.
func ComputeDocumentHash(data []byte) DocumentHash {
	return DocumentHash(cryptoutils.HashDocument(data))
}

// ParseDocumentHash parses a 66-character 0x-prefixed hex string. Hex case is ignored.
func ParseDocumentHash(s string) (DocumentHash, error) {
	b, err := parseHash32(s)
	if err != nil {
		return DocumentHash{}, NewError(KindInvalidHash, fmt.Sprintf("invalid document hash %q", s))
	}
	return DocumentHash(b), nil
}

// String returns lowercase 0x-prefixed hex.
func (h DocumentHash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// Bytes returns the raw 32-byte digest.
func (h DocumentHash) Bytes() []byte {
	return h[:]
}

// IsZero reports whether the hash is all zeroes.
func (h DocumentHash) IsZero() bool {
	return h == DocumentHash{}
}

func (h DocumentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *DocumentHash) UnmarshalText(text []byte) error {
	parsed, err := ParseDocumentHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// TxHash identifies a ledger transaction.
type TxHash [32]byte

// ParseTxHash parses a 66-character 0x-prefixed hex string. Hex case is ignored.
func ParseTxHash(s string) (TxHash, error) {
	b, err := parseHash32(s)
	if err != nil {
		return TxHash{}, NewError(KindInvalidHash, fmt.Sprintf("invalid transaction hash %q", s))
	}
	return TxHash(b), nil
}

// String returns lowercase 0x-prefixed hex.
func (t TxHash) String() string {
	return "0x" + hex.EncodeToString(t[:])
}

func (t TxHash) IsZero() bool {
	return t == TxHash{}
}

func (t TxHash) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TxHash) UnmarshalText(text []byte) error {
	parsed, err := ParseTxHash(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func parseHash32(s string) ([32]byte, error) {
	var out [32]byte
	if !hash32Regex.MatchString(s) {
		return out, errors.New("malformed 32-byte hex")
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// Address is a 20-byte wallet address identifying a party.
type Address = common.Address

// ZeroAddress is the all-zero address, never a valid party.
var ZeroAddress = Address{}

// ParseAddress parses a 42-character 0x-prefixed hex wallet address.
func ParseAddress(s string) (Address, error) {
	if !addressRegex.MatchString(s) {
		return Address{}, NewError(KindInvalidAddress, fmt.Sprintf("invalid wallet address %q", s))
	}
	return common.HexToAddress(s), nil
}

// AddressString returns the lowercase hex form used at persistence boundaries.
func AddressString(a Address) string {
	return strings.ToLower(a.Hex())
}

// Role is the totally ordered capability carried by a party.
type Role uint8

const (
	RoleStudent Role = iota
	RoleVerifier
	RoleIssuer
	RoleAdmin
)

// String returns the upper-case role name.
func (r Role) String() string {
	switch r {
	case RoleStudent:
		return "STUDENT"
	case RoleVerifier:
		return "VERIFIER"
	case RoleIssuer:
		return "ISSUER"
	case RoleAdmin:
		return "ADMIN"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether r is one of the four defined roles.
func (r Role) Valid() bool {
	return r <= RoleAdmin
}

// AtLeast reports whether r dominates min in the capability ordering.
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && r >= min
}

// ParseRole accepts either the role name or its ordinal.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STUDENT", "0":
		return RoleStudent, nil
	case "VERIFIER", "1":
		return RoleVerifier, nil
	case "ISSUER", "2":
		return RoleIssuer, nil
	case "ADMIN", "3":
		return RoleAdmin, nil
	}
	return 0, NewError(KindValidation, fmt.Sprintf("invalid role %q", s))
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n uint8
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		s = fmt.Sprint(n)
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// CredentialType is the closed set of credential kinds.
type CredentialType string

const (
	CredentialDegree      CredentialType = "degree"
	CredentialDiploma     CredentialType = "diploma"
	CredentialCertificate CredentialType = "certificate"
	CredentialTranscript  CredentialType = "transcript"
	CredentialOther       CredentialType = "other"
)

// Valid reports whether t is a known credential type.
func (t CredentialType) Valid() bool {
	switch t {
	case CredentialDegree, CredentialDiploma, CredentialCertificate, CredentialTranscript, CredentialOther:
		return true
	}
	return false
}

// DocumentStatus is the lifecycle state of a document record.
type DocumentStatus string

const (
	StatusUploaded         DocumentStatus = "uploaded"
	StatusBlockchainStored DocumentStatus = "blockchain_stored"
	StatusFailed           DocumentStatus = "failed"
	StatusSoftDeleted      DocumentStatus = "soft_deleted"
)

// Valid reports whether s is a known status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusUploaded, StatusBlockchainStored, StatusFailed, StatusSoftDeleted:
		return true
	}
	return false
}

// CanAdvanceTo enforces the monotonic lifecycle:
// uploaded -> blockchain_stored | failed, failed -> uploaded (retry), any -> soft_deleted.
func (s DocumentStatus) CanAdvanceTo(next DocumentStatus) bool {
	if next == StatusSoftDeleted {
		return s != StatusSoftDeleted
	}
	switch s {
	case StatusUploaded:
		return next == StatusBlockchainStored || next == StatusFailed || next == StatusUploaded
	case StatusFailed:
		return next == StatusUploaded
	case StatusBlockchainStored:
		return next == StatusBlockchainStored
	}
	return false
}
