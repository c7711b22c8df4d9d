package interfaces

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DateLayout is the wire format of issue and expiry dates.
const DateLayout = "2006-01-02"

var metadataValidator = validator.New(validator.WithRequiredStructEnabled())

// Metadata is the structured description of a credential.
type Metadata struct {
	StudentName     string         `json:"studentName" validate:"required,max=200"`
	StudentID       string         `json:"studentId" validate:"required,max=100"`
	StudentEmail    string         `json:"studentEmail,omitempty" validate:"omitempty,email"`
	InstitutionName string         `json:"institutionName" validate:"required,max=200"`
	DocumentType    CredentialType `json:"documentType" validate:"required,oneof=degree diploma certificate transcript other"`
	IssueDate       string         `json:"issueDate" validate:"required,datetime=2006-01-02"`
	ExpiryDate      string         `json:"expiryDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Grade           string         `json:"grade,omitempty" validate:"max=50"`
	Course          string         `json:"course,omitempty" validate:"max=200"`
	Description     string         `json:"description,omitempty" validate:"max=2000"`
}

// Validate checks field presence and date ranges: the issue date may not be
// in the future and an expiry date must be strictly after the issue date.
func (m *Metadata) Validate(now time.Time) error {
	if err := metadataValidator.Struct(m); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return WrapError(err, KindValidation, "invalid metadata: "+strings.Join(fields, ", "))
		}
		return WrapError(err, KindValidation, "invalid metadata")
	}

	issued, _ := time.Parse(DateLayout, m.IssueDate)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if issued.After(today) {
		return NewError(KindValidation, "issue date cannot be in the future")
	}
	if m.ExpiryDate != "" {
		expires, _ := time.Parse(DateLayout, m.ExpiryDate)
		if !expires.After(issued) {
			return NewError(KindValidation, "expiry date must be after issue date")
		}
	}
	return nil
}

// Access lists the parties allowed to read a document. Owner and issuer are
// implicit viewers.
type Access struct {
	Owner   Address   `json:"owner"`
	Issuer  Address   `json:"issuer"`
	Viewers []Address `json:"authorizedViewers"`
}

// HasViewer reports whether party is in the explicit viewer set.
func (a *Access) HasViewer(party Address) bool {
	for _, v := range a.Viewers {
		if v == party {
			return true
		}
	}
	return false
}

// CanView reports whether party is owner, issuer or an explicit viewer.
func (a *Access) CanView(party Address) bool {
	return a.Owner == party || a.Issuer == party || a.HasViewer(party)
}

// AddViewer adds party to the viewer set if absent.
func (a *Access) AddViewer(party Address) {
	if !a.HasViewer(party) {
		a.Viewers = append(a.Viewers, party)
	}
}

// RemoveViewer removes party from the viewer set.
func (a *Access) RemoveViewer(party Address) {
	out := a.Viewers[:0]
	for _, v := range a.Viewers {
		if v != party {
			out = append(out, v)
		}
	}
	a.Viewers = out
}

type Audit struct {
	CreatedAt         time.Time  `json:"createdAt"`
	CreatedBy         Address    `json:"createdBy"`
	VerificationCount uint64     `json:"verificationCount"`
	LastVerifiedAt    *time.Time `json:"lastVerified,omitempty"`
}

type BlockchainInfo struct {
	TransactionID   TxHash  `json:"transactionHash"`
	BlockNumber     uint64  `json:"blockNumber"`
	GasUsed         uint64  `json:"gasUsed"`
	ContractAddress Address `json:"contractAddress"`
	ExplorerURL     string  `json:"explorerUrl"`
}

type FileInfo struct {
	OriginalName string `json:"originalName"`
	MIMEType     string `json:"mimeType"`
	Size         int64  `json:"size"`
}

// Document is the operational record of a registered credential.
// WrappedKey holds the per-document key sealed under the key-wrapping master
// key and is never serialized.
type Document struct {
	DocumentHash DocumentHash   `json:"documentHash"`
	IPFSCid      string         `json:"ipfsHash"`
	WrappedKey   []byte         `json:"-"`
	Metadata     Metadata       `json:"metadata"`
	Access       Access         `json:"access"`
	Audit        Audit          `json:"audit"`
	Blockchain   BlockchainInfo `json:"blockchain"`
	FileInfo     FileInfo       `json:"fileInfo"`
	Status       DocumentStatus `json:"status"`
	IsActive     bool           `json:"isActive"`
	FailureNote  string         `json:"failureReason,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.WrappedKey != nil {
		c.WrappedKey = append([]byte(nil), d.WrappedKey...)
	}
	if d.Access.Viewers != nil {
		c.Access.Viewers = append([]Address(nil), d.Access.Viewers...)
	}
	if d.Audit.LastVerifiedAt != nil {
		t := *d.Audit.LastVerifiedAt
		c.Audit.LastVerifiedAt = &t
	}
	return &c
}

// DocumentFilter selects documents for listing.
type DocumentFilter struct {
	Status DocumentStatus
	Type   CredentialType
	// VisibleTo restricts results to documents the party may view. The zero
	// address means no restriction.
	VisibleTo Address
	Offset    int
	Limit     int
}

// Matches reports whether d satisfies the status, type and visibility filters.
func (f DocumentFilter) Matches(d *Document) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Type != "" && d.Metadata.DocumentType != f.Type {
		return false
	}
	if f.VisibleTo != ZeroAddress && !d.Access.CanView(f.VisibleTo) {
		return false
	}
	return true
}
