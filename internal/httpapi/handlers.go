package httpapi

import (
	"net/http"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/partners"
	"ledgerpos/backend/internal/service"
	"ledgerpos/backend/internal/store"
)

type amountRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Notes         string          `json:"notes"`
	Description   string          `json:"description"`
	AllowNegative bool            `json:"allowNegative"`
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	products, err := a.service.Products(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleProductStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req struct {
		Delta  int    `json:"delta"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queued, err := a.service.UpdateStock(r.Context(), r.PathValue("id"), req.Delta, req.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeAccepted(w, queued, http.StatusOK, map[string]any{"queued": queued})
}

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	customers, err := a.service.Customers(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (a *API) handleCustomer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		writeMethodNotAllowed(w)
		return
	}
	var req struct {
		Name  *string `json:"name"`
		Phone *string `json:"phone"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queued, err := a.service.UpdateCustomer(r.Context(), domain.CustomerUpdate{
		CustomerID: r.PathValue("id"),
		Name:       req.Name,
		Phone:      req.Phone,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeAccepted(w, queued, http.StatusOK, map[string]any{"queued": queued})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.SaleBundle
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.Checkout(r.Context(), req)
	if err != nil && result.Queued {
		// the invoice exists and its open steps wait in the sync queue
		a.failWith(w, r, err, map[string]any{
			"localId":     result.LocalID,
			"invoiceId":   result.InvoiceID,
			"operationId": result.OperationID,
			"queued":      true,
		})
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeAccepted(w, result.Queued, http.StatusCreated, result)
}

func (a *API) handleInvoices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		invoices, err := a.service.Invoices(r.Context())
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
	case http.MethodPost:
		if !a.managerOnly(w, r) {
			return
		}
		var req domain.Invoice
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		inv, queued, err := a.service.CreateInvoice(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeAccepted(w, queued, http.StatusCreated, map[string]any{"invoice": inv, "queued": queued})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleInvoiceCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	inv, err := a.service.CancelInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}

func (a *API) handleDebts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		debts, err := a.service.Debts(r.Context())
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"debts": debts})
	case http.MethodPost:
		if !a.managerOnly(w, r) {
			return
		}
		var req domain.Debt
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		debt, queued, err := a.service.CreateDebt(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeAccepted(w, queued, http.StatusCreated, map[string]any{"debt": debt, "queued": queued})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleDebtPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Notes  string          `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.RecordDebtPayment(r.Context(), r.PathValue("id"), req.Amount, req.Notes)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeAccepted(w, result.Queued, http.StatusCreated, result)
}

func (a *API) handleExpenses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		expenses, err := a.service.Expenses(r.Context())
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"expenses": expenses})
	case http.MethodPost:
		var req service.ExpenseRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := a.service.RecordExpense(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeAccepted(w, result.Queued, http.StatusCreated, result)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleExpenseDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	if err := a.service.DeleteExpense(r.Context(), r.PathValue("id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleShifts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	shifts, err := a.service.Shifts(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shifts": shifts})
}

func (a *API) handleShiftOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req struct {
		OpeningCash decimal.Decimal `json:"openingCash"`
		CashierName string          `json:"cashierName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	shift, err := a.service.OpenShift(r.Context(), req.OpeningCash, req.CashierName)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"shift": shift})
}

func (a *API) handleShiftClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req struct {
		ActualCash  decimal.Decimal `json:"actualCash"`
		Materialize bool            `json:"materialize"`
		Notes       string          `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.CloseShift(r.Context(), req.ActualCash, req.Materialize, req.Notes)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleShiftActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	shift, err := a.service.ActiveShift(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shift": shift})
}

func (a *API) handleShiftAdjustment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req struct {
		Kind   string          `json:"kind"`
		Amount decimal.Decimal `json:"amount"`
		Reason string          `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	shift, err := a.service.AddShiftAdjustment(r.Context(), req.Kind, req.Amount, req.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shift": shift})
}

func (a *API) handleCashbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	state, err := a.service.CashboxState(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cashbox": state})
}

func (a *API) handleCashboxMovement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var (
		state domain.CashboxState
		err   error
	)
	if r.URL.Path == "/api/v1/cashbox/deposit" {
		state, err = a.service.Deposit(r.Context(), req.Amount, req.Description)
	} else {
		state, err = a.service.Withdraw(r.Context(), req.Amount, req.Description)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cashbox": state})
}

func (a *API) handlePartners(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := a.service.Partners(r.Context())
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"partners": list})
	case http.MethodPost:
		var req partners.CreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		p, err := a.service.CreatePartner(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"partner": p})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handlePartnerStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stats, err := a.service.PartnerStats(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handlePartnerAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, id := r.Context(), r.PathValue("id")
	var (
		payload any
		err     error
	)
	switch r.PathValue("action") {
	case "capital":
		payload, err = a.service.AddCapital(ctx, id, req.Amount, req.Notes)
	case "withdraw":
		payload, err = a.service.WithdrawProfit(ctx, id, req.Amount, req.Notes, req.AllowNegative)
	case "capital-withdraw":
		payload, err = a.service.WithdrawCapital(ctx, id, req.Amount, req.Notes, req.AllowNegative)
	case "smart-withdraw":
		payload, err = a.service.SmartWithdraw(ctx, id, req.Amount, req.Notes)
	default:
		writeError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	status, err := a.service.QueueStatus(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, a.service.SyncNow(r.Context()))
}

func (a *API) handleSyncRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	n, err := a.service.RetryFailed(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": n})
}

func (a *API) handleCashiers(w http.ResponseWriter, r *http.Request) {
	actor, _ := store.ActorFromContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context(), actor.EffectiveOwnerID())})
	case http.MethodPost:
		var req CashierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cashier, err := a.auth.CreateCashier(r.Context(), actor, req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
	default:
		writeMethodNotAllowed(w)
	}
}

// managerOnly guards the write half of routes that cashiers may read.
func (a *API) managerOnly(w http.ResponseWriter, r *http.Request) bool {
	actor, _ := store.ActorFromContext(r.Context())
	if !isRoleAllowed(actor.Role, managerRoles) {
		writeError(w, http.StatusForbidden, store.ErrPermission)
		return false
	}
	return true
}
