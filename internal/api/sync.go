package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"unisync/internal/reconcile"
)

const errOperationsRequired = "Operations array is required"

func (h *Handler) syncPending(c *gin.Context) {
	var body struct {
		Operations json.RawMessage `json:"operations"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, errOperationsRequired)
		return
	}
	raw := bytes.TrimSpace(body.Operations)
	if len(raw) == 0 || raw[0] != '[' {
		badRequest(c, errOperationsRequired)
		return
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		badRequest(c, errOperationsRequired)
		return
	}

	// Elements are decoded one by one; a malformed entry carries its decode
	// error into the report instead of rejecting the batch.
	ops := make([]reconcile.SyncOperation, len(elems))
	for i, e := range elems {
		if err := ops[i].UnmarshalJSON(e); err != nil {
			badRequest(c, errOperationsRequired)
			return
		}
	}

	report := h.deps.Reconciler.Reconcile(c.Request.Context(), claims(c).UserID, ops)
	ok(c, http.StatusOK, report, fmt.Sprintf("Synced %d operations", report.Synced))
}

func (h *Handler) syncStatus(c *gin.Context) {
	st, err := h.deps.Reconciler.Status(c.Request.Context(), claims(c).UserID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, st, "")
}
