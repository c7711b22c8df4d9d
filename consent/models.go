package consent

import (
	"encoding/xml"
	"time"

	"github.com/ruteri/credential-registry/interfaces"
)

// Type is the purpose class a consent record covers.
type Type string

const (
	TypeDataProcessing    Type = "data_processing"
	TypeMarketing         Type = "marketing"
	TypeAnalytics         Type = "analytics"
	TypeThirdPartySharing Type = "third_party_sharing"
	TypeBlockchainStorage Type = "blockchain_storage"
)

// Valid reports whether t is a known consent type.
func (t Type) Valid() bool {
	switch t {
	case TypeDataProcessing, TypeMarketing, TypeAnalytics, TypeThirdPartySharing, TypeBlockchainStorage:
		return true
	}
	return false
}

// LegalBasis is the lawful ground for processing.
type LegalBasis string

const (
	BasisConsent             LegalBasis = "consent"
	BasisContract            LegalBasis = "contract"
	BasisLegalObligation     LegalBasis = "legal_obligation"
	BasisVitalInterests      LegalBasis = "vital_interests"
	BasisPublicTask          LegalBasis = "public_task"
	BasisLegitimateInterests LegalBasis = "legitimate_interests"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusWithdrawn Status = "withdrawn"
)

// Record is one entry of the consent log. At most one record per
// (party, type) is active; recording the pair again withdraws the previous one.
type Record struct {
	ID             string             `json:"id" xml:"id"`
	Party          interfaces.Address `json:"walletAddress" xml:"walletAddress"`
	Type           Type               `json:"consentType" xml:"consentType"`
	Purpose        string             `json:"purpose" xml:"purpose"`
	DataCategories []string           `json:"dataCategories" xml:"dataCategories>category"`
	LegalBasis     LegalBasis         `json:"legalBasis" xml:"legalBasis"`
	ConsentGiven   bool               `json:"consentGiven" xml:"consentGiven"`
	ConsentDate    time.Time          `json:"consentDate" xml:"consentDate"`
	RetentionDays  int                `json:"retentionPeriodDays" xml:"retentionPeriodDays"`
	Status         Status             `json:"status" xml:"status"`
	WithdrawalDate *time.Time         `json:"withdrawalDate,omitempty" xml:"withdrawalDate,omitempty"`
}

// Active reports whether the record is the current one for its pair.
func (r *Record) Active() bool {
	return r.Status == StatusActive
}

// RetentionExpired reports whether consentDate + retention period is before now.
// Records without a retention period never expire.
func (r *Record) RetentionExpired(now time.Time) bool {
	if r.RetentionDays <= 0 {
		return false
	}
	return r.ConsentDate.Add(time.Duration(r.RetentionDays) * 24 * time.Hour).Before(now)
}

func (r *Record) clone() *Record {
	c := *r
	c.DataCategories = append([]string(nil), r.DataCategories...)
	if r.WithdrawalDate != nil {
		t := *r.WithdrawalDate
		c.WithdrawalDate = &t
	}
	return &c
}

// DeletionType selects how much of a party's data a deletion request removes.
type DeletionType string

const (
	// DeletionFull anonymizes documents, withdraws every consent and erases the profile.
	DeletionFull DeletionType = "full_deletion"
	// DeletionAnonymization anonymizes documents only.
	DeletionAnonymization DeletionType = "anonymization"
)

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
	RequestExpired    RequestStatus = "expired"
)

// ReasonRetentionExpired marks deletion requests created by the retention sweep.
const ReasonRetentionExpired = "data_retention_expired"

// DeletionResult is the outcome of anonymizing one document.
type DeletionResult struct {
	DocumentHash interfaces.DocumentHash `json:"documentHash" xml:"documentHash"`
	Outcome      string                  `json:"outcome" xml:"outcome"`
	Error        string                  `json:"error,omitempty" xml:"error,omitempty"`
}

const (
	OutcomeAnonymized = "anonymized"
	OutcomeSkipped    = "already_anonymized"
	OutcomeInFlight   = "registration_in_progress"
	OutcomeFailed     = "failed"
)

// DeletionRequest asks for off-chain erasure of a party's data. It completes
// only when confirmed with its one-time code before VerificationExpiry.
// CodeHash is the SHA-256 of the code and is cleared once consumed.
type DeletionRequest struct {
	ID                 string             `json:"id" xml:"id"`
	Party              interfaces.Address `json:"walletAddress" xml:"walletAddress"`
	RequestType        DeletionType       `json:"requestType" xml:"requestType"`
	Reason             string             `json:"reason" xml:"reason"`
	ConsentType        Type               `json:"consentType,omitempty" xml:"consentType,omitempty"`
	DataCategories     []string           `json:"dataCategories" xml:"dataCategories>category"`
	Status             RequestStatus      `json:"status" xml:"status"`
	CodeHash           []byte             `json:"-" xml:"-"`
	VerificationExpiry time.Time          `json:"verificationExpiry" xml:"verificationExpiry"`
	CreatedAt          time.Time          `json:"createdAt" xml:"createdAt"`
	CompletionDate     *time.Time         `json:"completionDate,omitempty" xml:"completionDate,omitempty"`
	Results            []DeletionResult   `json:"deletionResults,omitempty" xml:"deletionResults>result,omitempty"`
}

func (r *DeletionRequest) clone() *DeletionRequest {
	c := *r
	c.DataCategories = append([]string(nil), r.DataCategories...)
	c.CodeHash = append([]byte(nil), r.CodeHash...)
	c.Results = append([]DeletionResult(nil), r.Results...)
	if r.CompletionDate != nil {
		t := *r.CompletionDate
		c.CompletionDate = &t
	}
	return &c
}

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
)

func (f Format) Valid() bool {
	return f == FormatJSON || f == FormatCSV || f == FormatXML
}

// ContentType returns the MIME type of files rendered in f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXML:
		return "application/xml"
	default:
		return "application/json"
	}
}

// ExportFile is a rendered export attached to its request.
type ExportFile struct {
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	Data        []byte    `json:"-"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// ExportRequest is a single-shot, expiring request for a copy of a party's data.
type ExportRequest struct {
	ID             string             `json:"id" xml:"id"`
	Party          interfaces.Address `json:"walletAddress" xml:"walletAddress"`
	Format         Format             `json:"exportFormat" xml:"exportFormat"`
	DataCategories []string           `json:"dataCategories" xml:"dataCategories>category"`
	Status         RequestStatus      `json:"status" xml:"status"`
	CreatedAt      time.Time          `json:"createdAt" xml:"createdAt"`
	ExpiryDate     time.Time          `json:"expiryDate" xml:"expiryDate"`
	GeneratedFile  *ExportFile        `json:"generatedFile,omitempty" xml:"-"`
}

func (r *ExportRequest) clone() *ExportRequest {
	c := *r
	c.DataCategories = append([]string(nil), r.DataCategories...)
	if r.GeneratedFile != nil {
		f := *r.GeneratedFile
		f.Data = append([]byte(nil), r.GeneratedFile.Data...)
		c.GeneratedFile = &f
	}
	return &c
}

// ProfileSummary is the exported form of a party profile.
type ProfileSummary struct {
	WalletAddress interfaces.Address `json:"walletAddress" xml:"walletAddress"`
	Role          string             `json:"role" xml:"role"`
	DisplayName   string             `json:"displayName,omitempty" xml:"displayName,omitempty"`
	Email         string             `json:"email,omitempty" xml:"email,omitempty"`
	CreatedAt     time.Time          `json:"createdAt" xml:"createdAt"`
}

// DocumentSummary is the exported form of a document record. It carries no
// key material and no ciphertext locator.
type DocumentSummary struct {
	DocumentHash    interfaces.DocumentHash   `json:"documentHash" xml:"documentHash"`
	DocumentType    interfaces.CredentialType `json:"documentType" xml:"documentType"`
	StudentName     string                    `json:"studentName" xml:"studentName"`
	InstitutionName string                    `json:"institutionName" xml:"institutionName"`
	IssueDate       string                    `json:"issueDate" xml:"issueDate"`
	Status          interfaces.DocumentStatus `json:"status" xml:"status"`
	IsActive        bool                      `json:"isActive" xml:"isActive"`
	TransactionID   string                    `json:"transactionHash,omitempty" xml:"transactionHash,omitempty"`
	CreatedAt       time.Time                 `json:"createdAt" xml:"createdAt"`
}

// ExportData is everything the registry holds about one party.
type ExportData struct {
	XMLName          xml.Name           `json:"-" xml:"export"`
	WalletAddress    interfaces.Address `json:"walletAddress" xml:"walletAddress"`
	GeneratedAt      time.Time          `json:"generatedAt" xml:"generatedAt"`
	Profile          *ProfileSummary    `json:"profile,omitempty" xml:"profile,omitempty"`
	Consents         []*Record          `json:"consents" xml:"consents>consent"`
	DeletionRequests []*DeletionRequest `json:"deletionRequests" xml:"deletionRequests>deletionRequest"`
	ExportRequests   []*ExportRequest   `json:"exportRequests" xml:"exportRequests>exportRequest"`
	Documents        []DocumentSummary  `json:"documents" xml:"documents>document"`
}
