package api

import (
	"log/slog"
	"sort"
	"time"

	"github.com/jmcleod/ironkeep/internal/uuid"
	"github.com/jmcleod/ironkeep/storage"
)

// journalRecordType holds the per-vault custody journal. Like the custody
// records it is reserved, so a client cannot rewrite its own history.
const journalRecordType = "CUSTODY_AUDIT"

// journaled lists the audit events that are also kept in the vault's
// custody journal for the owner to review.
var journaled = map[AuditEvent]bool{
	AuditShareDeposited:    true,
	AuditShareRevoked:      true,
	AuditReleaseRequested:  true,
	AuditReleaseCancelled:  true,
	AuditReleaseGranted:    true,
	AuditReleasePremature:  true,
	AuditReleaseSuperseded: true,
}

// JournalEntry is one persisted custody event.
type JournalEntry struct {
	ID         string     `json:"id"`
	VaultID    string     `json:"vault_id"`
	Event      AuditEvent `json:"event"`
	RequestID  string     `json:"request_id,omitempty"`
	NomineeID  string     `json:"nominee_id,omitempty"`
	ShareSetID string     `json:"share_set_id,omitempty"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// appendJournal stores entry. A failure is logged and otherwise ignored:
// the custody operation it describes has already committed.
func (a *API) appendJournal(entry JournalEntry) {
	if !journaled[entry.Event] {
		return
	}
	entry.ID = uuid.Ordered()
	entry.CreatedAt = time.Now().UTC()
	env, err := storage.JSONRecord(entry, 1)
	if err != nil {
		return
	}
	if err := a.repo.PutCAS(entry.VaultID, journalRecordType, entry.ID, 0, env); err != nil {
		a.audit.logger.Error("custody journal write failed",
			slog.String("vault_id", entry.VaultID),
			slog.String("event", string(entry.Event)),
			slog.String("error", err.Error()),
		)
	}
}

// listJournal returns the vault's journal, newest first.
func (a *API) listJournal(vaultID string) ([]JournalEntry, error) {
	ids, err := a.repo.List(vaultID, journalRecordType)
	if err != nil {
		if storage.IsNotFound(err) {
			return []JournalEntry{}, nil
		}
		return nil, err
	}
	entries := make([]JournalEntry, 0, len(ids))
	for _, id := range ids {
		env, err := a.repo.Get(vaultID, journalRecordType, id)
		if err != nil || env == nil {
			continue
		}
		var entry JournalEntry
		if err := env.DecodeMeta(&entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}
