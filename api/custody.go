package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironkeep/custody"
)

// HeldShare describes the custodial share held for the vault.
func (a *API) HeldShare(w http.ResponseWriter, r *http.Request) {
	d, err := a.custody.Held(r.Context(), chi.URLParam(r, "vaultID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DepositShare stores a new Share B, superseding the previous set.
func (a *API) DepositShare(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	var body custody.DepositBody
	if !decodeBody(w, r, &body) {
		return
	}
	defer body.Share.Wipe()
	if !validName(body.ShareSetID) {
		writeError(w, http.StatusBadRequest, custody.CodeInvalid, "invalid share set id")
		return
	}
	if err := a.custody.Deposit(r.Context(), vaultID, body.ShareSetID, body.Share); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit.log(AuditShareDeposited, r, slog.String("share_set_id", body.ShareSetID))
	a.journal(AuditShareDeposited, r, JournalEntry{ShareSetID: body.ShareSetID})
	w.WriteHeader(http.StatusNoContent)
}

// RevokeShare drops the custodial share of one set.
func (a *API) RevokeShare(w http.ResponseWriter, r *http.Request) {
	setID := chi.URLParam(r, "shareSetID")
	if err := a.custody.Revoke(r.Context(), chi.URLParam(r, "vaultID"), setID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit.log(AuditShareRevoked, r, slog.String("share_set_id", setID))
	a.journal(AuditShareRevoked, r, JournalEntry{ShareSetID: setID})
	w.WriteHeader(http.StatusNoContent)
}

// ListReleaseRequests lists every release request for the vault.
func (a *API) ListReleaseRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := a.custody.Requests(r.Context(), chi.URLParam(r, "vaultID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []*custody.Request{}
	}
	writeJSON(w, http.StatusOK, custody.RequestList{Requests: reqs})
}

// CreateReleaseRequest opens the trigger delay for a nominee.
func (a *API) CreateReleaseRequest(w http.ResponseWriter, r *http.Request) {
	var body custody.RequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	if !validName(body.NomineeID) {
		writeError(w, http.StatusBadRequest, custody.CodeInvalid, "invalid nominee id")
		return
	}
	req, err := a.custody.RequestRelease(r.Context(), chi.URLParam(r, "vaultID"), body.NomineeID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit.log(AuditReleaseRequested, r,
		slog.String("request_id", req.ID),
		slog.String("nominee_id", req.NomineeID),
		slog.Time("release_at", req.ReleaseAt),
	)
	a.journal(AuditReleaseRequested, r, requestEntry(req))
	writeJSON(w, http.StatusCreated, req)
}

// GetReleaseRequest returns one release request.
func (a *API) GetReleaseRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.custody.Request(r.Context(), chi.URLParam(r, "vaultID"), chi.URLParam(r, "requestID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// CancelReleaseRequest is the owner's veto.
func (a *API) CancelReleaseRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.custody.Cancel(r.Context(), chi.URLParam(r, "vaultID"), chi.URLParam(r, "requestID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit.log(AuditReleaseCancelled, r, slog.String("request_id", req.ID), slog.String("nominee_id", req.NomineeID))
	a.journal(AuditReleaseCancelled, r, requestEntry(req))
	writeJSON(w, http.StatusOK, req)
}

// ReleaseShare hands out Share B for a matured request.
func (a *API) ReleaseShare(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	share, req, err := a.custody.Release(r.Context(), chi.URLParam(r, "vaultID"), requestID)
	if err != nil {
		var backoff *custody.BackoffError
		switch {
		case errors.As(err, &backoff):
			a.audit.logFailure(AuditReleaseLockedOut, r, "locked out", slog.String("request_id", requestID))
		case errors.Is(err, custody.ErrNotReleasable):
			a.audit.logFailure(AuditReleasePremature, r, "trigger delay not elapsed", slog.String("request_id", requestID))
			a.journal(AuditReleasePremature, r, requestEntry(req))
		case errors.Is(err, custody.ErrShareSetMismatch):
			a.audit.logFailure(AuditReleaseSuperseded, r, "share set replaced", slog.String("request_id", requestID))
			a.journal(AuditReleaseSuperseded, r, requestEntry(req))
		}
		a.fail(w, r, err)
		return
	}
	defer share.Wipe()
	a.audit.log(AuditReleaseGranted, r,
		slog.String("request_id", req.ID),
		slog.String("nominee_id", req.NomineeID),
		slog.String("share_set_id", req.ShareSetID),
	)
	a.journal(AuditReleaseGranted, r, requestEntry(req))
	writeJSON(w, http.StatusOK, custody.ReleaseResponse{Share: share, Request: req})
}

// CustodyJournal pages through the vault's custody journal, newest first.
func (a *API) CustodyJournal(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, custody.CodeInvalid, err.Error())
		return
	}
	entries, err := a.listJournal(chi.URLParam(r, "vaultID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	entries, meta := paginate(entries, p)
	writeJSON(w, http.StatusOK, JournalPage{Entries: entries, PaginationMeta: meta})
}

func (a *API) journal(event AuditEvent, r *http.Request, entry JournalEntry) {
	entry.Event = event
	entry.VaultID = chi.URLParam(r, "vaultID")
	entry.RemoteAddr = a.clientIP(r)
	a.appendJournal(entry)
}

// requestEntry tolerates a nil request, which Release returns for errors
// raised before the request was loaded.
func requestEntry(req *custody.Request) JournalEntry {
	if req == nil {
		return JournalEntry{}
	}
	return JournalEntry{RequestID: req.ID, NomineeID: req.NomineeID, ShareSetID: req.ShareSetID}
}
