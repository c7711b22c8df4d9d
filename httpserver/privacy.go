package httpserver

import (
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/credential-registry/consent"
	"github.com/ruteri/credential-registry/interfaces"
)

// ChallengeRequest asks for a login challenge.
type ChallengeRequest struct {
	Address string `json:"address"`
}

// LoginRequest answers a challenge with a personal_sign signature.
type LoginRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// HandleChallenge issues a single-use login challenge for a wallet.
//
// URL format: POST /api/auth/challenge
func (h *Handler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	address, err := interfaces.ParseAddress(req.Address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.auth.Challenge(r.Context(), address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleLogin exchanges a signed challenge for a bearer token.
//
// URL format: POST /api/auth/login
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	address, err := interfaces.ParseAddress(req.Address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.auth.Login(r.Context(), address, req.Signature)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ProfileResponse describes the authenticated caller.
type ProfileResponse struct {
	Address     interfaces.Address `json:"walletAddress"`
	Role        interfaces.Role    `json:"role"`
	Registered  bool               `json:"registered"`
	DisplayName string             `json:"displayName,omitempty"`
	Email       string             `json:"email,omitempty"`
}

// HandleProfile returns the caller's resolved role and profile.
//
// URL format: GET /api/auth/profile
func (h *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	party := caller(r)
	resp := ProfileResponse{Address: party.Address, Role: party.Role, Registered: party.Registered}
	if p, ok := h.roles.Profile(party.Address); ok {
		resp.DisplayName = p.DisplayName
		resp.Email = p.Email
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateProfileRequest replaces the caller's display name and email.
type UpdateProfileRequest struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// HandleUpdateProfile updates the profile of a registered caller.
//
// URL format: PUT /api/auth/profile
func (h *Handler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	party := caller(r)
	if err := h.roles.UpdateProfile(party.Address, req.DisplayName, req.Email); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.HandleProfile(w, r)
}

// HandleRecordConsent records a consent for the caller.
//
// URL format: POST /api/consent
func (h *Handler) HandleRecordConsent(w http.ResponseWriter, r *http.Request) {
	var in consent.ConsentInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	in.Party = caller(r).Address
	rec, err := h.consent.RecordConsent(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// HandleConsentHistory lists every consent record of the caller, newest first.
//
// URL format: GET /api/consent
func (h *Handler) HandleConsentHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.consent.GetConsentHistory(r.Context(), caller(r).Address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*consent.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"consents": records})
}

// HandleHasConsent reports whether the caller has an active, given consent.
//
// URL format: GET /api/consent/{type}
func (h *Handler) HandleHasConsent(w http.ResponseWriter, r *http.Request) {
	typ := consent.Type(chi.URLParam(r, "type"))
	granted, err := h.consent.HasConsent(r.Context(), caller(r).Address, typ)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consentType": typ, "granted": granted})
}

// HandleWithdrawConsent withdraws the caller's active consent of a type.
//
// URL format: DELETE /api/consent/{type}
func (h *Handler) HandleWithdrawConsent(w http.ResponseWriter, r *http.Request) {
	rec, err := h.consent.WithdrawConsent(r.Context(), caller(r).Address, consent.Type(chi.URLParam(r, "type")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeletionResponse carries a new deletion request and its confirmation code.
// The code is only ever returned here.
type DeletionResponse struct {
	Request          *consent.DeletionRequest `json:"request"`
	VerificationCode string                   `json:"verificationCode"`
}

// HandleCreateDeletion opens a deletion request for the caller.
//
// URL format: POST /api/privacy/deletion
func (h *Handler) HandleCreateDeletion(w http.ResponseWriter, r *http.Request) {
	var in consent.DeletionInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	in.Party = caller(r).Address
	req, code, err := h.consent.CreateDeletionRequest(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, DeletionResponse{Request: req, VerificationCode: code})
}

// HandleGetDeletion returns a deletion request of the caller.
//
// URL format: GET /api/privacy/deletion/{id}
func (h *Handler) HandleGetDeletion(w http.ResponseWriter, r *http.Request) {
	req, err := h.consent.GetDeletionRequest(r.Context(), chi.URLParam(r, "id"), caller(r).Address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ProcessDeletionBody confirms a deletion request.
type ProcessDeletionBody struct {
	VerificationCode string `json:"verificationCode"`
}

// HandleProcessDeletion confirms and executes a deletion request.
//
// URL format: POST /api/privacy/deletion/{id}/process
func (h *Handler) HandleProcessDeletion(w http.ResponseWriter, r *http.Request) {
	var body ProcessDeletionBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := h.consent.ProcessDeletionRequest(r.Context(), chi.URLParam(r, "id"), body.VerificationCode, caller(r).Address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// HandleCreateExport opens an export request for the caller and generates
// its file.
//
// URL format: POST /api/privacy/export
func (h *Handler) HandleCreateExport(w http.ResponseWriter, r *http.Request) {
	var in consent.ExportInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	party := caller(r).Address
	in.Party = party
	req, err := h.consent.CreateExportRequest(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err = h.consent.ProcessExportRequest(r.Context(), req.ID, party)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// HandleDownloadExport returns the generated file of an unexpired export.
//
// URL format: GET /api/privacy/export/{id}
func (h *Handler) HandleDownloadExport(w http.ResponseWriter, r *http.Request) {
	req, err := h.consent.GetExportRequest(r.Context(), chi.URLParam(r, "id"), caller(r).Address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.GeneratedFile == nil {
		h.writeError(w, r, interfaces.NewError(interfaces.KindNotFound, "export file has not been generated"))
		return
	}
	f := req.GeneratedFile
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.FileName}))
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Data)
}
