package consent

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/credential-registry/interfaces"
)

// ExportInput is the payload of CreateExportRequest.
type ExportInput struct {
	Party          interfaces.Address `json:"-"`
	Format         Format             `json:"exportFormat" validate:"required,oneof=json csv xml"`
	DataCategories []string           `json:"dataCategories" validate:"dive,required,max=100"`
}

// CreateExportRequest opens an export request that expires after ExportTTL.
func (s *Service) CreateExportRequest(ctx context.Context, in ExportInput) (*ExportRequest, error) {
	if err := requireParty(in.Party); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, s.validationError(err)
	}

	now := s.clock()
	req := &ExportRequest{
		ID:             uuid.NewString(),
		Party:          in.Party,
		Format:         in.Format,
		DataCategories: in.DataCategories,
		Status:         RequestPending,
		CreatedAt:      now,
		ExpiryDate:     now.Add(s.cfg.ExportTTL),
	}
	if err := s.store.InsertExport(ctx, req); err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "create export request")
	}
	return req, nil
}

// GatherExportData collects the profile, consent history, privacy requests
// and document summaries of party.
func (s *Service) GatherExportData(ctx context.Context, party interfaces.Address) (*ExportData, error) {
	data := &ExportData{
		WalletAddress: party,
		GeneratedAt:   s.clock(),
	}

	if s.profiles != nil {
		if p, ok := s.profiles.Profile(party); ok {
			data.Profile = &ProfileSummary{
				WalletAddress: party,
				Role:          p.Role.String(),
				DisplayName:   p.DisplayName,
				Email:         p.Email,
				CreatedAt:     p.CreatedAt,
			}
		}
	}

	var err error
	if data.Consents, err = s.store.ListConsents(ctx, party); err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "list consents")
	}
	if data.DeletionRequests, err = s.store.ListDeletions(ctx, party); err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "list deletion requests")
	}
	if data.ExportRequests, err = s.store.ListExports(ctx, party); err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "list export requests")
	}
	for _, e := range data.ExportRequests {
		e.GeneratedFile = nil
	}

	docs, err := s.docs.ListByOwner(ctx, party)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "list documents")
	}
	for _, d := range docs {
		sum := DocumentSummary{
			DocumentHash:    d.DocumentHash,
			DocumentType:    d.Metadata.DocumentType,
			StudentName:     d.Metadata.StudentName,
			InstitutionName: d.Metadata.InstitutionName,
			IssueDate:       d.Metadata.IssueDate,
			Status:          d.Status,
			IsActive:        d.IsActive,
			CreatedAt:       d.Audit.CreatedAt,
		}
		if !d.Blockchain.TransactionID.IsZero() {
			sum.TransactionID = d.Blockchain.TransactionID.String()
		}
		data.Documents = append(data.Documents, sum)
	}
	return data, nil
}

// ProcessExportRequest renders the export of a pending request and attaches
// it. Each request generates exactly one file.
func (s *Service) ProcessExportRequest(ctx context.Context, id string, party interfaces.Address) (*ExportRequest, error) {
	req, err := s.GetExportRequest(ctx, id, party)
	if err != nil {
		return nil, err
	}
	if req.GeneratedFile != nil {
		return nil, interfaces.NewError(interfaces.KindValidation, "export file already generated")
	}

	data, err := s.GatherExportData(ctx, party)
	if err != nil {
		return nil, err
	}
	content, err := GenerateExportFile(data, req.Format)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	file := &ExportFile{
		FileName:    fmt.Sprintf("export-%s.%s", req.ID, req.Format),
		ContentType: req.Format.ContentType(),
		Data:        content,
		GeneratedAt: now,
	}
	req, err = s.store.UpdateExport(ctx, id, func(r *ExportRequest) error {
		if r.GeneratedFile != nil {
			return interfaces.NewError(interfaces.KindValidation, "export file already generated")
		}
		r.GeneratedFile = file
		r.Status = RequestCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Export generated",
		slog.String("id", id),
		slog.String("party", interfaces.AddressString(party)),
		slog.String("format", string(req.Format)),
		slog.Int("bytes", len(content)))
	return req, nil
}

// GetExportRequest returns an export request of party. Expired requests are
// marked expired and their file is no longer served.
func (s *Service) GetExportRequest(ctx context.Context, id string, party interfaces.Address) (*ExportRequest, error) {
	req, err := s.store.GetExport(ctx, id)
	if err != nil {
		return nil, storeError(err, "get export request")
	}
	if req.Party != party {
		return nil, interfaces.NewError(interfaces.KindNotFound, "export request not found")
	}
	if !s.clock().Before(req.ExpiryDate) {
		if req.Status != RequestExpired {
			if _, err := s.store.UpdateExport(ctx, id, func(r *ExportRequest) error {
				r.Status = RequestExpired
				r.GeneratedFile = nil
				return nil
			}); err != nil {
				s.log.Warn("Failed to expire export request", slog.String("id", id), "err", err)
			}
		}
		return nil, interfaces.NewError(interfaces.KindNotFound, "export request expired")
	}
	return req, nil
}

// GenerateExportFile renders data in format.
func GenerateExportFile(data *ExportData, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		out, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return nil, interfaces.WrapError(err, interfaces.KindInternal, "render json export")
		}
		return out, nil
	case FormatCSV:
		return renderCSV(data), nil
	case FormatXML:
		out, err := xml.MarshalIndent(data, "", "  ")
		if err != nil {
			return nil, interfaces.WrapError(err, interfaces.KindInternal, "render xml export")
		}
		return append([]byte(xml.Header), out...), nil
	}
	return nil, interfaces.NewError(interfaces.KindValidation, fmt.Sprintf("unsupported export format %q", format))
}

var xmlSafe = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// csvField quotes v after escaping XML metacharacters, so the file is safe
// to open in spreadsheet and browser tooling alike.
func csvField(v string) string {
	return `"` + strings.ReplaceAll(xmlSafe.Replace(v), `"`, `""`) + `"`
}

func csvTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type csvWriter struct {
	buf bytes.Buffer
}

func (w *csvWriter) section(name string, header ...string) {
	if w.buf.Len() > 0 {
		w.buf.WriteString("\n")
	}
	w.buf.WriteString("# " + name + "\n")
	w.row(header...)
}

func (w *csvWriter) row(fields ...string) {
	for i, f := range fields {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		w.buf.WriteString(csvField(f))
	}
	w.buf.WriteByte('\n')
}

func renderCSV(data *ExportData) []byte {
	w := &csvWriter{}

	w.section("profile", "walletAddress", "role", "displayName", "email", "createdAt")
	if p := data.Profile; p != nil {
		w.row(interfaces.AddressString(p.WalletAddress), p.Role, p.DisplayName, p.Email, csvTime(&p.CreatedAt))
	}

	w.section("consents", "id", "consentType", "purpose", "dataCategories", "legalBasis",
		"consentGiven", "consentDate", "retentionPeriodDays", "status", "withdrawalDate")
	for _, c := range data.Consents {
		w.row(c.ID, string(c.Type), c.Purpose, strings.Join(c.DataCategories, ";"), string(c.LegalBasis),
			strconv.FormatBool(c.ConsentGiven), csvTime(&c.ConsentDate), strconv.Itoa(c.RetentionDays),
			string(c.Status), csvTime(c.WithdrawalDate))
	}

	w.section("deletionRequests", "id", "requestType", "reason", "consentType", "status",
		"createdAt", "verificationExpiry", "completionDate")
	for _, d := range data.DeletionRequests {
		w.row(d.ID, string(d.RequestType), d.Reason, string(d.ConsentType), string(d.Status),
			csvTime(&d.CreatedAt), csvTime(&d.VerificationExpiry), csvTime(d.CompletionDate))
	}

	w.section("exportRequests", "id", "exportFormat", "status", "createdAt", "expiryDate")
	for _, e := range data.ExportRequests {
		w.row(e.ID, string(e.Format), string(e.Status), csvTime(&e.CreatedAt), csvTime(&e.ExpiryDate))
	}

	w.section("documents", "documentHash", "documentType", "studentName", "institutionName",
		"issueDate", "status", "isActive", "transactionHash", "createdAt")
	for _, d := range data.Documents {
		w.row(d.DocumentHash.String(), string(d.DocumentType), d.StudentName, d.InstitutionName,
			d.IssueDate, string(d.Status), strconv.FormatBool(d.IsActive), d.TransactionID, csvTime(&d.CreatedAt))
	}

	return w.buf.Bytes()
}
