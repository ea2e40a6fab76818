// Package handlers implements the HTTP API: live SMS ingest, ledger and
// balance queries, the pending-confirmation endpoints and the pending SSE
// stream.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/smsledger/internal/cashback"
	"github.com/rumor-ml/commons.systems/smsledger/internal/domain"
	"github.com/rumor-ml/commons.systems/smsledger/internal/pending"
	"github.com/rumor-ml/commons.systems/smsledger/internal/processor"
	"github.com/rumor-ml/commons.systems/smsledger/internal/registry"
	"github.com/rumor-ml/commons.systems/smsledger/internal/store"
	"github.com/rumor-ml/commons.systems/smsledger/internal/streaming"
	"github.com/rumor-ml/commons.systems/smsledger/internal/validate"
)

// API bundles the handler dependencies.
type API struct {
	store            *store.Store
	registry         *registry.Registry
	processor        *processor.Processor
	workflow         *pending.Workflow
	cashback         *cashback.Calculator
	hub              *streaming.Hub
	confirmationMode bool
	log              zerolog.Logger
}

// New creates the API handler set.
func New(st *store.Store, reg *registry.Registry, proc *processor.Processor,
	wf *pending.Workflow, cb *cashback.Calculator, hub *streaming.Hub,
	confirmationMode bool, log zerolog.Logger) *API {
	return &API{
		store:            st,
		registry:         reg,
		processor:        proc,
		workflow:         wf,
		cashback:         cb,
		hub:              hub,
		confirmationMode: confirmationMode,
		log:              log,
	}
}

type smsRequest struct {
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// IngestSMS handles POST /api/sms: parse one live message and either save
// it or queue it for confirmation, depending on the configured mode.
func (a *API) IngestSMS(w http.ResponseWriter, r *http.Request) {
	var req smsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.Sender == "" || req.Body == "" || req.Timestamp <= 0 {
		badRequest(w, "sender, body and timestamp are required")
		return
	}

	parsed := a.registry.ParseWithFallback(req.Sender, req.Body, req.Timestamp)
	if parsed == nil {
		writeJSON(w, http.StatusOK, map[string]string{"outcome": "not_a_transaction"})
		return
	}

	if a.confirmationMode {
		admitted, err := a.workflow.Admit(r.Context(), parsed)
		if err != nil {
			a.serverError(w, err, "failed to admit pending transaction")
			return
		}
		if admitted.Duplicate != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"outcome": "duplicate",
				"reason":  admitted.Duplicate.Reason,
				"id":      admitted.Duplicate.ExistingID,
			})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"outcome":   "pending",
			"id":        admitted.Pending.ID,
			"category":  admitted.Pending.Category,
			"expiresAt": admitted.Pending.ExpiresAt,
		})
		return
	}

	a.writeResult(w, a.processor.Process(r.Context(), parsed, processor.Options{}))
}

// ListTransactions handles GET /api/transactions.
func (a *API) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	txs, err := a.store.ListTransactions(r.Context(), limit)
	if err != nil {
		a.serverError(w, err, "failed to list transactions")
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// DeleteTransaction handles DELETE /api/transactions/{id}: a soft delete.
// The content hash stays behind so a replayed SMS cannot resurrect the row.
func (a *API) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.store.SoftDeleteTransaction(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "transaction not found", http.StatusNotFound)
			return
		}
		a.serverError(w, err, "failed to delete transaction")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type categoryRequest struct {
	Category string `json:"category"`
	Remember bool   `json:"remember"`
}

// UpdateCategory handles POST /api/transactions/{id}/category.
func (a *API) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req categoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Category == "" {
		badRequest(w, "category is required")
		return
	}

	if err := a.processor.CategoryCorrection(r.Context(), id, req.Category, req.Remember); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "transaction not found", http.StatusNotFound)
			return
		}
		a.serverError(w, err, "failed to update category")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBalances handles GET /api/balances: the latest snapshot per account.
func (a *API) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := a.store.LatestBalances(r.Context())
	if err != nil {
		a.serverError(w, err, "failed to list balances")
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// ListPending handles GET /api/pending.
func (a *API) ListPending(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.ListActivePending(r.Context())
	if err != nil {
		a.serverError(w, err, "failed to list pending transactions")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type confirmRequest struct {
	Edited   *validate.EditedPending `json:"edited"`
	Category string                  `json:"category"`
}

// ConfirmPending handles POST /api/pending/{id}/confirm, with optional
// user edits.
func (a *API) ConfirmPending(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req confirmRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}

	var edited *domain.ParsedTransaction
	if req.Edited != nil {
		row, err := a.store.PendingByID(r.Context(), id)
		if err != nil {
			a.pendingLookupError(w, err)
			return
		}
		merged, result := validate.Edited(&row.Parsed, req.Edited)
		if !result.Valid() {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"outcome": "validation_failed",
				"errors":  result.Errors,
			})
			return
		}
		edited = merged
	}

	result, err := a.workflow.Confirm(r.Context(), id, edited, req.Category)
	if err != nil {
		a.pendingLookupError(w, err)
		return
	}
	a.writeResult(w, result)
}

// RejectPending handles POST /api/pending/{id}/reject.
func (a *API) RejectPending(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.workflow.Reject(r.Context(), id); err != nil {
		a.pendingLookupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type retroactiveRequest struct {
	BankName     string `json:"bankName"`
	AccountLast4 string `json:"accountLast4"`
	Percent      string `json:"percent"`
}

// RetroactiveCashback handles POST /api/cashback/retroactive.
func (a *API) RetroactiveCashback(w http.ResponseWriter, r *http.Request) {
	var req retroactiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.BankName == "" {
		badRequest(w, "bankName is required")
		return
	}
	percent, err := decimal.NewFromString(req.Percent)
	if err != nil {
		badRequest(w, "percent must be a decimal number")
		return
	}

	updated, err := a.cashback.RetroactiveApply(r.Context(), req.BankName, req.AccountLast4, percent)
	if err != nil {
		if !percent.IsPositive() {
			badRequest(w, err.Error())
			return
		}
		a.serverError(w, err, "retroactive cashback failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// StreamPending handles GET /api/pending/stream: an SSE feed of pending
// admissions and resolutions.
func (a *API) StreamPending(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := a.hub.Register()
	defer a.hub.Unregister(client)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-client.Events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				a.log.Warn().Err(err).Msg("failed to encode stream event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// Health handles GET /healthz.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) writeResult(w http.ResponseWriter, result processor.Result) {
	switch res := result.(type) {
	case processor.Success:
		writeJSON(w, http.StatusCreated, map[string]any{
			"outcome":             "saved",
			"id":                  res.TransactionID,
			"cashbackAmount":      res.CashbackAmount,
			"subscriptionMatched": res.SubscriptionMatched,
			"appliedRules":        res.AppliedRules,
		})
	case processor.Duplicate:
		writeJSON(w, http.StatusOK, map[string]any{
			"outcome": "duplicate",
			"id":      res.ExistingID,
			"reason":  res.Reason,
		})
	case processor.Blocked:
		writeJSON(w, http.StatusOK, map[string]any{
			"outcome": "blocked",
			"rule":    res.RuleName,
		})
	case processor.Failure:
		a.log.Error().Str("error", res.Message).Msg("pipeline failure")
		http.Error(w, "failed to process transaction", http.StatusInternalServerError)
	}
}

func (a *API) pendingLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "pending transaction not found", http.StatusNotFound)
	case errors.Is(err, store.ErrTerminalPending):
		http.Error(w, "pending transaction already finalized", http.StatusConflict)
	default:
		a.serverError(w, err, "pending lookup failed")
	}
}

func (a *API) serverError(w http.ResponseWriter, err error, msg string) {
	a.log.Error().Err(err).Msg(msg)
	http.Error(w, msg, http.StatusInternalServerError)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
