package api

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HealthResponse is returned from GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Custody bool   `json:"custody"`
}

// JournalPage is returned from GET /vaults/{vaultID}/custody/audit.
type JournalPage struct {
	Entries []JournalEntry `json:"entries"`
	PaginationMeta
}
