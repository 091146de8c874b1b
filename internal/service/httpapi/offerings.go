package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// CreditOffering пополняет остаток ресурса пользователя.
func (h *Handler) CreditOffering(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req creditRequest
	if err := h.decode(body, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	userID := chi.URLParam(r, "userID")
	if err := h.ledger.Credit(r.Context(), userID, req.OfferingID, req.Quantity); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeStock(w, r, userID, req.OfferingID)
}

// GetOfferingStock возвращает остаток ресурса.
func (h *Handler) GetOfferingStock(w http.ResponseWriter, r *http.Request) {
	h.writeStock(w, r, chi.URLParam(r, "userID"), chi.URLParam(r, "offeringID"))
}

func (h *Handler) writeStock(w http.ResponseWriter, r *http.Request, userID, offeringID string) {
	stock, err := h.ledger.Stock(r.Context(), userID, offeringID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stockResponse{
		UserID:     stock.UserID,
		OfferingID: stock.OfferingID,
		Available:  stock.Available,
		UpdatedAt:  stock.UpdatedAt,
	})
}
