package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"yieldsource/crypto"
	"yieldsource/savings"
)

type supplyRequest struct {
	Caller      string `json:"caller,omitempty"`
	Beneficiary string `json:"beneficiary,omitempty"`
	Amount      string `json:"amount"`
}

type supplyResponse struct {
	Credits string `json:"credits"`
}

type redeemRequest struct {
	Caller string `json:"caller,omitempty"`
	Amount string `json:"amount"`
}

type redeemResponse struct {
	Requested string `json:"requested"`
	Redeemed  string `json:"redeemed"`
}

type balanceResponse struct {
	Address string `json:"address"`
	Credits string `json:"credits"`
	Balance string `json:"balance"`
}

type tokenResponse struct {
	Underlying string `json:"underlying"`
	Adapter    string `json:"adapter"`
}

type rateResponse struct {
	Rate  string `json:"rate"`
	Scale string `json:"scale"`
}

type sweepRequest struct {
	Caller string `json:"caller,omitempty"`
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type ownerRequest struct {
	Caller string `json:"caller,omitempty"`
	Next   string `json:"next"`
}

type assetManagerRequest struct {
	Caller  string `json:"caller,omitempty"`
	Manager string `json:"manager"`
}

type adminRequest struct {
	Caller string `json:"caller,omitempty"`
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	var req supplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid_request", "malformed JSON body")
		return
	}
	caller, ok := s.resolveCaller(w, r, req.Caller)
	if !ok {
		return
	}
	beneficiary := caller
	if strings.TrimSpace(req.Beneficiary) != "" {
		decoded, err := crypto.DecodeAddress(strings.TrimSpace(req.Beneficiary))
		if err != nil {
			writeBadRequest(w, "invalid_address", "beneficiary is not a valid address")
			return
		}
		beneficiary = decoded
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}

	start := time.Now()
	credits, err := s.engine.Supply(caller, beneficiary, amount)
	if err != nil {
		_, code := translate(err)
		s.metrics.ObserveFailure("supply", code)
		s.logger.Warn("supply rejected", "caller", caller.String(), "error", err)
		writeError(w, err)
		return
	}
	s.metrics.ObserveOperation("supply", time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, supplyResponse{Credits: credits.String()})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid_request", "malformed JSON body")
		return
	}
	caller, ok := s.resolveCaller(w, r, req.Caller)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}

	start := time.Now()
	actual, err := s.engine.Redeem(caller, amount)
	if err != nil {
		_, code := translate(err)
		s.metrics.ObserveFailure("redeem", code)
		s.logger.Warn("redeem rejected", "caller", caller.String(), "error", err)
		writeError(w, err)
		return
	}
	s.metrics.ObserveOperation("redeem", time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, redeemResponse{
		Requested: amount.String(),
		Redeemed:  actual.String(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		writeBadRequest(w, "invalid_address", "address is not valid")
		return
	}
	credits, balance, err := s.engine.Position(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Address: addr.String(),
		Credits: credits.String(),
		Balance: balance.String(),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, tokenResponse{
		Underlying: s.engine.DepositTokenAddress().String(),
		Adapter:    s.engine.Address().String(),
	})
}

func (s *Server) handleRate(w http.ResponseWriter, _ *http.Request) {
	rate, err := s.engine.ExchangeRate()
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.SetExchangeRate(rate, savings.Scale)
	writeJSON(w, http.StatusOK, rateResponse{
		Rate:  rate.String(),
		Scale: savings.Scale.String(),
	})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{
			Error: errorBody{Code: "history_disabled", Message: "operation history is not configured"},
		})
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	caller := strings.TrimSpace(r.URL.Query().Get("caller"))

	var err error
	var ops interface{}
	if caller != "" {
		ops, err = s.history.ListByCaller(caller, limit, offset)
	} else {
		ops, err = s.history.List(limit, offset)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

func (s *Server) handleReapprove(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid_request", "malformed JSON body")
		return
	}
	caller, ok := s.resolveCaller(w, r, req.Caller)
	if !ok {
		return
	}
	if err := s.engine.ReapproveMax(caller); err != nil {
		_, code := translate(err)
		s.metrics.ObserveFailure("reapprove", code)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid_request", "malformed JSON body")
		return
	}
	caller, ok := s.resolveCaller(w, r, req.Caller)
	if !ok {
		return
	}
	asset, err := crypto.DecodeAddress(strings.TrimSpace(req.Asset))
	if err != nil {
		writeBadRequest(w, "invalid_address", "asset is not a valid address")
		return
	}
	to, err := crypto.DecodeAddress(strings.TrimSpace(req.To))
	if err != nil {
		writeBadRequest(w, "invalid_address", "to is not a valid address")
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	if err := s.engine.Sweep(caller, asset, to, amount); err != nil {
		_, code := translate(err)
		s.metrics.ObserveFailure("sweep", code)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid_request", "malformed JSON body")
		return
	}
	caller, ok := s.resolveCaller(w, r, req.Caller)
	if !ok {
		return
	}
	next, err := crypto.DecodeAddress(strings.TrimSpace(req.Next))
	if err != nil {
		writeBadRequest(w, "invalid_address", "next is not a valid address")
		return
	}
	if err := s.engine.TransferOwnership(caller, next); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetAssetManager(w http.ResponseWriter, r *http.Request) {
	var req assetManagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid_request", "malformed JSON body")
		return
	}
	caller, ok := s.resolveCaller(w, r, req.Caller)
	if !ok {
		return
	}
	manager := crypto.Address{}
	if trimmed := strings.TrimSpace(req.Manager); trimmed != "" {
		decoded, err := crypto.DecodeAddress(trimmed)
		if err != nil {
			writeBadRequest(w, "invalid_address", "manager is not a valid address")
			return
		}
		manager = decoded
	}
	if err := s.engine.SetAssetManager(caller, manager); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveCaller prefers the authenticated token subject; the body field is
// honoured only when authentication is disabled (development deployments).
func (s *Server) resolveCaller(w http.ResponseWriter, r *http.Request, fallback string) (crypto.Address, bool) {
	if caller, ok := CallerFromContext(r.Context()); ok {
		return caller, true
	}
	trimmed := strings.TrimSpace(fallback)
	if trimmed == "" {
		writeBadRequest(w, "invalid_address", "caller required")
		return crypto.Address{}, false
	}
	caller, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		writeBadRequest(w, "invalid_address", "caller is not a valid address")
		return crypto.Address{}, false
	}
	return caller, true
}

func parseAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		writeBadRequest(w, "invalid_amount", "amount is not a base-10 integer")
		return nil, false
	}
	return amount, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
