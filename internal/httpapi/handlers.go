package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/service"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListLowStock(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleStockOnHand(w http.ResponseWriter, r *http.Request) {
	level, err := a.service.StockOnHand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (a *API) handleReceiveBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.ReceiveBatchRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Actor = actorOf(r).Username
	batch, err := a.service.ReceiveBatch(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (a *API) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustmentRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Actor = actorOf(r).Username
	entry, err := a.service.PostAdjustment(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleLedger(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	filter := ledger.Filter{
		ProductID: strings.TrimSpace(q.Get("product_id")),
		BatchID:   strings.TrimSpace(q.Get("batch_id")),
		Type:      domain.LedgerType(strings.TrimSpace(q.Get("type"))),
		SaleID:    strings.TrimSpace(q.Get("sale_id")),
		From:      from,
		To:        to,
		Limit:     parsePositiveLimit(q.Get("limit"), 500, 5000),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown ledger type"))
		return
	}
	entries, err := a.service.LedgerHistory(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleBatchLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := a.service.BatchHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handlePostSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorOf(r)
	if actor.Role != domain.RoleAdmin || strings.TrimSpace(req.CashierID) == "" {
		req.CashierID = actor.Username
	}
	sale, err := a.service.PostSale(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleSaleProfit(w http.ResponseWriter, r *http.Request) {
	profit, err := a.service.SaleProfit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profit)
}

func (a *API) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	ret, err := a.service.GetReturnBySale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ret)
}

// handleReturn lets an admin return a sale directly. A cashier needs the
// manager PIN in X-Manager-PIN, and the approval is recorded as a PIN
// override.
func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorOf(r)
	approvedBy := actor.Username
	if actor.Role != domain.RoleAdmin {
		if !a.auth.ValidateManagerPIN(r.Header.Get("X-Manager-PIN")) {
			writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
			return
		}
		approvedBy = "manager_pin:" + actor.Username
	}
	ret, err := a.service.PostReturn(r.Context(), chi.URLParam(r, "id"), approvedBy, req.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ret)
}

func (a *API) handleOpenShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftOpenRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorOf(r)
	if actor.Role != domain.RoleAdmin || strings.TrimSpace(req.CashierID) == "" {
		req.CashierID = actor.Username
	}
	sh, err := a.service.OpenShift(r.Context(), req.CashierID, req.OpeningFloatCents)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sh)
}

func (a *API) handleShiftHistory(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorOf(r)
	cashierID := strings.TrimSpace(r.URL.Query().Get("cashier_id"))
	if actor.Role != domain.RoleAdmin {
		cashierID = actor.Username
	}
	shifts, err := a.service.ShiftHistory(r.Context(), cashierID, from, to)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shifts": shifts})
}

func (a *API) handleGetShift(w http.ResponseWriter, r *http.Request) {
	sh, ok := a.ownedShift(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (a *API) handleExpense(w http.ResponseWriter, r *http.Request) {
	var req domain.ExpenseRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sh, ok := a.ownedShift(w, r)
	if !ok {
		return
	}
	entry, err := a.service.PostExpense(r.Context(), sh.ID, req.AmountCents, req.Description, actorOf(r).Username)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleShiftClosure(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftClosureRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sh, ok := a.ownedShift(w, r)
	if !ok {
		return
	}
	updated, err := a.service.RequestShiftClosure(r.Context(), sh.ID, req.CountedCashCents, req.Notes)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleApproveShift(w http.ResponseWriter, r *http.Request) {
	sh, err := a.service.ApproveShiftClosure(r.Context(), chi.URLParam(r, "id"), actorOf(r).Username)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (a *API) handleRejectShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftRejectRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sh, err := a.service.RejectShiftClosure(r.Context(), chi.URLParam(r, "id"), actorOf(r).Username, req.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (a *API) handleReopenShift(w http.ResponseWriter, r *http.Request) {
	sh, err := a.service.ReopenShift(r.Context(), chi.URLParam(r, "id"), actorOf(r).Username)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), from, to, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context())})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}

func (a *API) handleSetCashierStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierStatusRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cashier, err := a.auth.SetCashierActive(r.Context(), chi.URLParam(r, "username"), *req.Active)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cashier": cashier})
}

// ownedShift loads the shift named in the path. Cashiers may only touch their
// own shifts.
func (a *API) ownedShift(w http.ResponseWriter, r *http.Request) (*domain.CashShift, bool) {
	sh, err := a.service.GetShift(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return nil, false
	}
	actor := actorOf(r)
	if actor.Role != domain.RoleAdmin && sh.CashierID != actor.Username {
		writeError(w, http.StatusForbidden, errors.New("shift belongs to another cashier"))
		return nil, false
	}
	return sh, true
}

func actorOf(r *http.Request) domain.Actor {
	actor, _ := service.ActorFromContext(r.Context())
	return actor
}
