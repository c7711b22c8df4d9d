package httpserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/credential-registry/auth"
	"github.com/ruteri/credential-registry/consent"
	"github.com/ruteri/credential-registry/docstore"
	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/pipeline"
	"github.com/ruteri/credential-registry/roles"
	"github.com/ruteri/credential-registry/verification"
)

// HandlerDeps are the services behind the HTTP surface. Reconciler may be nil.
type HandlerDeps struct {
	Pipeline   *pipeline.Pipeline
	Reconciler *pipeline.Reconciler
	Verifier   *verification.Service
	Roles      *roles.Service
	Auth       *auth.Service
	Consent    *consent.Service
	Docs       interfaces.DocumentStore
	Objects    interfaces.ObjectStore
	Ledger     interfaces.Ledger

	// Production hides error details from responses.
	Production  bool
	MaxFileSize int
}

// Handler serves the registry API.
type Handler struct {
	pipeline    *pipeline.Pipeline
	reconciler  *pipeline.Reconciler
	verifier    *verification.Service
	roles       *roles.Service
	auth        *auth.Service
	consent     *consent.Service
	docs        interfaces.DocumentStore
	objects     interfaces.ObjectStore
	ledger      interfaces.Ledger
	production  bool
	maxFileSize int
	log         *slog.Logger
}

func NewHandler(deps HandlerDeps, log *slog.Logger) *Handler {
	maxFileSize := deps.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = pipeline.MaxFileSize
	}
	return &Handler{
		pipeline:    deps.Pipeline,
		reconciler:  deps.Reconciler,
		verifier:    deps.Verifier,
		roles:       deps.Roles,
		auth:        deps.Auth,
		consent:     deps.Consent,
		docs:        deps.Docs,
		objects:     deps.Objects,
		ledger:      deps.Ledger,
		production:  deps.Production,
		maxFileSize: maxFileSize,
		log:         log,
	}
}

// caller returns the authenticated party; routes behind RequireAuth always have one.
func caller(r *http.Request) auth.Party {
	p, _ := auth.PartyFromContext(r.Context())
	return p
}

func pathHash(r *http.Request) (interfaces.DocumentHash, error) {
	return interfaces.ParseDocumentHash(chi.URLParam(r, "hash"))
}

// TxResponse acknowledges a confirmed ledger transaction.
type TxResponse struct {
	TransactionHash interfaces.TxHash `json:"transactionHash"`
	BlockNumber     uint64            `json:"blockNumber"`
	GasUsed         uint64            `json:"gasUsed"`
}

func txResponse(r *interfaces.Receipt) TxResponse {
	return TxResponse{TransactionHash: r.TxHash, BlockNumber: r.BlockNumber, GasUsed: r.GasUsed}
}

// HandleRegister accepts a multipart credential upload.
//
// URL format: POST /api/documents/register
// Form fields: file, ownerAddress, studentName, studentId, studentEmail,
// institutionName, documentType, issueDate, expiryDate, grade, course, description.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxFileSize)+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, interfaces.NewError(interfaces.KindValidation, fmt.Sprintf("file exceeds %d bytes", h.maxFileSize)))
			return
		}
		h.writeError(w, r, interfaces.WrapError(err, interfaces.KindValidation, "malformed multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, interfaces.WrapError(err, interfaces.KindValidation, "file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, int64(h.maxFileSize)+1))
	if err != nil {
		h.writeError(w, r, interfaces.WrapError(err, interfaces.KindValidation, "failed to read file"))
		return
	}

	owner, err := interfaces.ParseAddress(r.FormValue("ownerAddress"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	res, err := h.pipeline.Register(r.Context(), pipeline.RegistrationRequest{
		File:     data,
		FileName: header.Filename,
		MIMEType: mimeType,
		Metadata: interfaces.Metadata{
			StudentName:     r.FormValue("studentName"),
			StudentID:       r.FormValue("studentId"),
			StudentEmail:    r.FormValue("studentEmail"),
			InstitutionName: r.FormValue("institutionName"),
			DocumentType:    interfaces.CredentialType(strings.ToLower(r.FormValue("documentType"))),
			IssueDate:       r.FormValue("issueDate"),
			ExpiryDate:      r.FormValue("expiryDate"),
			Grade:           r.FormValue("grade"),
			Course:          r.FormValue("course"),
			Description:     r.FormValue("description"),
		},
		Party: caller(r).Address,
		Owner: owner,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// DocumentList is a page of documents visible to the caller.
type DocumentList struct {
	Documents []*interfaces.Document `json:"documents"`
	Total     int                    `json:"total"`
	Page      int                    `json:"page"`
	Limit     int                    `json:"limit"`
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, interfaces.NewError(interfaces.KindValidation, fmt.Sprintf("%s must be a positive integer", name))
	}
	return n, nil
}

// HandleListDocuments lists documents. Parties below VERIFIER only see
// documents they own, issued or were shared.
//
// URL format: GET /api/documents?page=1&limit=20&status=&type=
func (h *Handler) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", docstore.DefaultPageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit > docstore.MaxPageSize {
		limit = docstore.MaxPageSize
	}

	filter := interfaces.DocumentFilter{
		Status: interfaces.DocumentStatus(r.URL.Query().Get("status")),
		Type:   interfaces.CredentialType(r.URL.Query().Get("type")),
		Offset: (page - 1) * limit,
		Limit:  limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		h.writeError(w, r, interfaces.NewError(interfaces.KindValidation, "unknown status filter"))
		return
	}
	if filter.Type != "" && !filter.Type.Valid() {
		h.writeError(w, r, interfaces.NewError(interfaces.KindValidation, "unknown document type filter"))
		return
	}

	party := caller(r)
	if !party.Role.AtLeast(interfaces.RoleVerifier) {
		filter.VisibleTo = party.Address
	}

	docs, total, err := h.docs.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "list documents"))
		return
	}
	if docs == nil {
		docs = []*interfaces.Document{}
	}
	writeJSON(w, http.StatusOK, DocumentList{Documents: docs, Total: total, Page: page, Limit: limit})
}

// loadDocument reads the record named by the path and applies allowed.
func (h *Handler) loadDocument(r *http.Request, allowed func(*interfaces.Document, interfaces.Address) bool) (*interfaces.Document, error) {
	hash, err := pathHash(r)
	if err != nil {
		return nil, err
	}
	doc, err := h.docs.Get(r.Context(), hash)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, interfaces.NewError(interfaces.KindNotFound, "document not found")
	}
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "read document")
	}
	if !allowed(doc, caller(r).Address) {
		return nil, interfaces.NewError(interfaces.KindForbidden, "access to this document is not granted")
	}
	return doc, nil
}

// HandleGetDocument returns a record the caller may view.
//
// URL format: GET /api/documents/{hash}
func (h *Handler) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.loadDocument(r, h.roles.CheckAccess)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ShareRequest names the viewer of a grant or revocation.
type ShareRequest struct {
	ViewerAddress interfaces.Address `json:"viewerAddress"`
}

// ShareResponse reports the viewer set after a grant or revocation.
type ShareResponse struct {
	DocumentHash interfaces.DocumentHash `json:"documentHash"`
	Viewers      []interfaces.Address    `json:"authorizedViewers"`
	TxResponse
}

// HandleShare grants (POST) or revokes (DELETE) read access on the ledger
// and mirrors the change into the record.
//
// URL format: POST|DELETE /api/documents/{hash}/share
func (h *Handler) HandleShare(w http.ResponseWriter, r *http.Request) {
	doc, err := h.loadDocument(r, h.roles.CanManage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req ShareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	viewer := req.ViewerAddress
	if viewer == interfaces.ZeroAddress {
		h.writeError(w, r, interfaces.NewError(interfaces.KindInvalidAddress, "viewerAddress is required"))
		return
	}

	var (
		receipt *interfaces.Receipt
		mirror  func(*interfaces.Document) error
	)
	if r.Method == http.MethodDelete {
		if viewer == doc.Access.Owner || viewer == doc.Access.Issuer {
			h.writeError(w, r, interfaces.NewError(interfaces.KindValidation, "cannot revoke owner or issuer"))
			return
		}
		receipt, err = h.ledger.RevokeAccess(r.Context(), doc.DocumentHash, viewer)
		mirror = func(d *interfaces.Document) error { d.Access.RemoveViewer(viewer); return nil }
	} else {
		receipt, err = h.ledger.GrantAccess(r.Context(), doc.DocumentHash, viewer)
		mirror = func(d *interfaces.Document) error { d.Access.AddViewer(viewer); return nil }
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	updated, err := h.mirror(r, doc.DocumentHash, receipt, mirror)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	viewers := updated.Access.Viewers
	if viewers == nil {
		viewers = []interfaces.Address{}
	}
	writeJSON(w, http.StatusOK, ShareResponse{
		DocumentHash: updated.DocumentHash,
		Viewers:      viewers,
		TxResponse:   txResponse(receipt),
	})
}

// mirror applies a confirmed ledger change to the operational record.
func (h *Handler) mirror(r *http.Request, hash interfaces.DocumentHash, receipt *interfaces.Receipt, fn func(*interfaces.Document) error) (*interfaces.Document, error) {
	doc, err := h.docs.Update(r.Context(), hash, fn)
	if err != nil {
		h.log.Error("Failed to mirror ledger change into record", "err", err,
			slog.String("documentHash", hash.String()),
			slog.String("tx", receipt.TxHash.String()))
		return nil, interfaces.WrapError(err, interfaces.KindDatabaseUnavailable, "update document record")
	}
	return doc, nil
}

// TransferRequest names the new owner of a document.
type TransferRequest struct {
	NewOwner interfaces.Address `json:"newOwnerAddress"`
}

// HandleTransfer moves ownership to another registered party.
//
// URL format: POST /api/documents/{hash}/transfer
func (h *Handler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	doc, err := h.loadDocument(r, h.roles.CanManage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req TransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	switch {
	case req.NewOwner == interfaces.ZeroAddress:
		err = interfaces.NewError(interfaces.KindInvalidAddress, "newOwnerAddress is required")
	case req.NewOwner == doc.Access.Owner:
		err = interfaces.NewError(interfaces.KindValidation, "new owner is already the owner")
	default:
		if _, registered := h.roles.Role(req.NewOwner); !registered {
			err = interfaces.NewError(interfaces.KindValidation, "new owner must be registered")
		}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	receipt, err := h.ledger.TransferOwnership(r.Context(), doc.DocumentHash, req.NewOwner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.mirror(r, doc.DocumentHash, receipt, func(d *interfaces.Document) error {
		d.Access.Owner = req.NewOwner
		d.Access.RemoveViewer(req.NewOwner)
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("Ownership transferred",
		slog.String("documentHash", doc.DocumentHash.String()),
		slog.String("from", interfaces.AddressString(doc.Access.Owner)),
		slog.String("to", interfaces.AddressString(req.NewOwner)))
	writeJSON(w, http.StatusOK, map[string]any{
		"document":    updated,
		"transaction": txResponse(receipt),
	})
}

// DeactivateRequest carries the mandatory deactivation reason.
type DeactivateRequest struct {
	Reason string `json:"reason"`
}

// HandleDeactivate deactivates a document on the ledger.
//
// URL format: POST /api/documents/{hash}/deactivate
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	doc, err := h.loadDocument(r, h.roles.CanManage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req DeactivateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		h.writeError(w, r, interfaces.NewError(interfaces.KindValidation, "reason is required"))
		return
	}

	receipt, err := h.ledger.DeactivateDocument(r.Context(), doc.DocumentHash, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.mirror(r, doc.DocumentHash, receipt, func(d *interfaces.Document) error {
		d.IsActive = false
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document":    updated,
		"transaction": txResponse(receipt),
	})
}

// HandleDownload returns the decrypted credential to its owner or issuer.
//
// URL format: GET /api/documents/{hash}/download
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	hash, err := pathHash(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	plaintext, doc, err := h.verifier.Decrypt(r.Context(), hash, caller(r).Address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	name := doc.FileInfo.OriginalName
	if name == "" {
		name = hash.String()
	}
	w.Header().Set("Content-Type", doc.FileInfo.MIMEType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(plaintext)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(plaintext)
}

// HandleVerifyHash verifies a document hash.
//
// URL format: GET /api/verify/{hash}
func (h *Handler) HandleVerifyHash(w http.ResponseWriter, r *http.Request) {
	hash, err := pathHash(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	party, _ := auth.PartyFromContext(r.Context())
	v, err := h.verifier.Verify(r.Context(), verification.VerifyRequest{Hash: hash, Caller: party.Address})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// VerifyRequest is the JSON form of POST /api/verify.
type VerifyRequest struct {
	QRURL        string `json:"qrUrl"`
	DocumentHash string `json:"documentHash"`
}

// HandleVerify verifies an uploaded file, a QR verification link or a hash.
//
// URL format: POST /api/verify
// Body: multipart with file (and optional documentHash), or JSON {qrUrl} / {documentHash}.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	party, _ := auth.PartyFromContext(r.Context())

	var (
		v   *verification.Verification
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		v, err = h.verifyUpload(w, r, party.Address)
	} else {
		var req VerifyRequest
		if err = decodeJSON(w, r, &req); err == nil {
			switch {
			case req.QRURL != "":
				v, err = h.verifier.VerifyQR(r.Context(), req.QRURL, nil, party.Address)
			case req.DocumentHash != "":
				var hash interfaces.DocumentHash
				if hash, err = interfaces.ParseDocumentHash(req.DocumentHash); err == nil {
					v, err = h.verifier.Verify(r.Context(), verification.VerifyRequest{Hash: hash, Caller: party.Address})
				}
			default:
				err = interfaces.NewError(interfaces.KindValidation, "qrUrl or documentHash is required")
			}
		}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) verifyUpload(w http.ResponseWriter, r *http.Request, party interfaces.Address) (*verification.Verification, error) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxFileSize)+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindValidation, "malformed multipart form")
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindValidation, "file is required")
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, int64(h.maxFileSize)+1))
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindValidation, "failed to read file")
	}
	if len(data) == 0 || len(data) > h.maxFileSize {
		return nil, interfaces.NewError(interfaces.KindValidation, "file is empty or too large")
	}

	req := verification.VerifyRequest{Bytes: data, Caller: party}
	if s := r.FormValue("documentHash"); s != "" {
		if req.Hash, err = interfaces.ParseDocumentHash(s); err != nil {
			return nil, err
		}
	}
	if link := r.FormValue("qrUrl"); link != "" {
		return h.verifier.VerifyQR(r.Context(), link, data, party)
	}
	return h.verifier.Verify(r.Context(), req)
}
