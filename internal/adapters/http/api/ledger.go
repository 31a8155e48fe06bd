package api

import (
	"net/http"

	"github.com/okian/intake/internal/domain/model"
)

// LedgerHandler serves reconciliation ledger reports.
type LedgerHandler struct {
	deps Dependencies
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(deps Dependencies) *LedgerHandler {
	return &LedgerHandler{deps: deps}
}

// HandleAliasDrift handles GET /ledger/aliases.
func (h *LedgerHandler) HandleAliasDrift(w http.ResponseWriter, r *http.Request) {
	usage, err := h.deps.AliasDrift(r.Context())
	if err != nil {
		writeError(w, Wrap("api.aliases", err))
		return
	}
	if usage == nil {
		usage = []model.AliasUsage{}
	}
	writeJSON(w, http.StatusOK, usage)
}
