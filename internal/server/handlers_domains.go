package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/rex/internal/ctxutil"
	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/resource"
	"github.com/ashita-ai/rex/internal/service/domainhealth"
)

// HandleListDomains handles GET /v1/domains?status=.
func (h *Handlers) HandleListDomains(w http.ResponseWriter, r *http.Request) {
	status := model.DomainStatus(r.URL.Query().Get("status"))
	domains := make([]model.Domain, 0)
	for _, d := range h.pool.Domains() {
		if status == "" || d.Status == status {
			domains = append(domains, d)
		}
	}
	writeListJSON(w, r, domains, len(domains), len(domains))
}

// HandleGetDomain handles GET /v1/domains/{id}.
func (h *Handlers) HandleGetDomain(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	d, ok := h.pool.Domain(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "domain not found")
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleAddDomain handles POST /v1/domains. A verification failure keeps
// the domain and returns its DNS records in the error details.
func (h *Handlers) HandleAddDomain(w http.ResponseWriter, r *http.Request) {
	var req model.AddDomainRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.Owner = ctxutil.OwnerFromContext(r.Context())

	resp, err := h.domains.AddDomain(r.Context(), req)
	if err != nil {
		if errors.Is(err, domainhealth.ErrVerificationFailed) {
			h.recordMutation(r, "domain added", map[string]any{
				"domain_id": resp.DomainID.String(), "domain": req.Domain, "verified": false,
			})
			writeErrorDetails(w, r, http.StatusUnprocessableEntity, model.ErrCodeVerificationFailed,
				"domain verification failed; publish the DNS records and retry verification", resp)
			return
		}
		h.writeDomainError(w, r, "failed to add domain", err)
		return
	}
	h.recordMutation(r, "domain added", map[string]any{
		"domain_id": resp.DomainID.String(), "domain": req.Domain, "type": string(req.Type),
	})
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleRotateDomain handles POST /v1/domains/{id}/rotate.
func (h *Handlers) HandleRotateDomain(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.RotateDomainRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, true); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.domains.Rotate(r.Context(), id, req.Reason, req.Immediate)
	if err != nil {
		h.writeDomainError(w, r, "failed to rotate domain", err)
		return
	}
	h.recordMutation(r, "domain rotation requested", map[string]any{
		"domain_id": id.String(), "reason": req.Reason, "immediate": req.Immediate,
	})
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleVerifyDomain handles POST /v1/domains/{id}/verify.
func (h *Handlers) HandleVerifyDomain(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	d, err := h.domains.Verify(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "failed to verify domain", err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleRecordSend handles POST /v1/domains/{id}/sends. Agents claim send
// headroom here before sending; a rotated or exhausted domain is refused.
func (h *Handlers) HandleRecordSend(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.RecordSendRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	d, err := h.domains.RecordSend(r.Context(), id, req.Count)
	if err != nil {
		h.writeDomainError(w, r, "failed to record send", err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleReportOutcome handles POST /v1/domains/{id}/outcomes.
func (h *Handlers) HandleReportOutcome(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var out model.SendOutcome
	if err := decodeJSON(w, r, &out, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	d, err := h.domains.ReportOutcome(r.Context(), id, out)
	if err != nil {
		h.writeDomainError(w, r, "failed to report outcome", err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, resource.ErrUnknownDomain):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "domain not found")
	case errors.Is(err, domainhealth.ErrInvalidDomain), errors.Is(err, domainhealth.ErrInvalidOutcome):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, domainhealth.ErrDuplicateDomain):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, domainhealth.ErrVerificationFailed):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeVerificationFailed, "domain verification failed")
	case errors.Is(err, resource.ErrNoReplacement):
		writeError(w, r, http.StatusConflict, model.ErrCodeDomainDegraded,
			"no replacement domain available; set immediate to rotate anyway")
	case errors.Is(err, resource.ErrDomainRotated), errors.Is(err, resource.ErrDomainUnavailable):
		writeError(w, r, http.StatusConflict, model.ErrCodeDomainDegraded, err.Error())
	default:
		h.writeInternalError(w, r, msg, err)
	}
}
