package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironkeep/custody"
	"github.com/jmcleod/ironkeep/storage/remote"
)

const maxBodyBytes = 4 << 20

// reservedTypes are written only by the custody service. Exposing them
// through the record endpoints would let a client forge a matured release
// request or drop the custodial share.
var reservedTypes = map[string]bool{
	custody.RecordTypeShare:   true,
	custody.RecordTypeRequest: true,
	journalRecordType:         true,
}

// recordParams validates the record path parameters. It writes the error
// response and returns false when the request must stop.
func (a *API) recordParams(w http.ResponseWriter, r *http.Request, withID bool) (vaultID, recordType, recordID string, ok bool) {
	vaultID = chi.URLParam(r, "vaultID")
	recordType = chi.URLParam(r, "recordType")
	if !validName(recordType) {
		writeError(w, http.StatusBadRequest, custody.CodeInvalid, "invalid record type")
		return "", "", "", false
	}
	if withID {
		recordID = chi.URLParam(r, "recordID")
		if !validName(recordID) {
			writeError(w, http.StatusBadRequest, custody.CodeInvalid, "invalid record id")
			return "", "", "", false
		}
	}
	if reservedTypes[recordType] {
		a.audit.logFailure(AuditReservedRecordDeny, r, "reserved record type",
			slog.String("record_type", recordType))
		writeError(w, http.StatusForbidden, custody.CodeUnauthorized, "record type is reserved")
		return "", "", "", false
	}
	return vaultID, recordType, recordID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, custody.CodeInvalid, "invalid request body")
		return false
	}
	return true
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := mapError(w, err); status >= http.StatusInternalServerError {
		a.logServerError(r, err)
	}
}

// ListRecords returns the record IDs of one type.
func (a *API) ListRecords(w http.ResponseWriter, r *http.Request) {
	vaultID, recordType, _, ok := a.recordParams(w, r, false)
	if !ok {
		return
	}
	ids, err := a.repo.List(vaultID, recordType)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, remote.ListResponse{IDs: ids})
}

// GetRecord returns one envelope.
func (a *API) GetRecord(w http.ResponseWriter, r *http.Request) {
	vaultID, recordType, recordID, ok := a.recordParams(w, r, true)
	if !ok {
		return
	}
	env, err := a.repo.Get(vaultID, recordType, recordID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// PutRecord stores an envelope, as a compare-and-swap when the body names
// an expected version.
func (a *API) PutRecord(w http.ResponseWriter, r *http.Request) {
	vaultID, recordType, recordID, ok := a.recordParams(w, r, true)
	if !ok {
		return
	}
	var body remote.PutBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Envelope == nil {
		writeError(w, http.StatusBadRequest, custody.CodeInvalid, "envelope is required")
		return
	}
	var err error
	if body.ExpectedVersion != nil {
		err = a.repo.PutCAS(vaultID, recordType, recordID, *body.ExpectedVersion, body.Envelope)
	} else {
		err = a.repo.Put(vaultID, recordType, recordID, body.Envelope)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteRecord removes one envelope.
func (a *API) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	vaultID, recordType, recordID, ok := a.recordParams(w, r, true)
	if !ok {
		return
	}
	if err := a.repo.Delete(vaultID, recordType, recordID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Batch applies a list of writes atomically.
func (a *API) Batch(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	var body remote.BatchBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Ops) == 0 {
		writeError(w, http.StatusBadRequest, custody.CodeInvalid, "batch has no operations")
		return
	}
	for _, op := range body.Ops {
		if !validName(op.Type) || !validName(op.ID) {
			writeError(w, http.StatusBadRequest, custody.CodeInvalid, "invalid record type or id in batch")
			return
		}
		if reservedTypes[op.Type] {
			a.audit.logFailure(AuditReservedRecordDeny, r, "reserved record type in batch",
				slog.String("record_type", op.Type))
			writeError(w, http.StatusForbidden, custody.CodeUnauthorized, "record type is reserved")
			return
		}
	}
	if err := remote.Apply(a.repo, vaultID, body.Ops); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
