package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"bank-ledger/pkg/account"
	"bank-ledger/pkg/card"
	"bank-ledger/pkg/ledger"
	"bank-ledger/pkg/model"
	"bank-ledger/pkg/store"
	"bank-ledger/pkg/workflow"

	"github.com/gorilla/mux"
)

// MoreResultsHeader is set on a transaction listing that was cut at its limit.
const MoreResultsHeader = "X-More-Results"

// decode reads a single JSON object and rejects unknown fields, so a
// client cannot smuggle in fields like balance or status.
func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return model.Invalid("request body is empty")
		case errors.As(err, &mbe):
			return model.Invalid("request body exceeds %d bytes", mbe.Limit)
		case errors.Is(err, model.KindInvalidInput):
			return err
		}
		return model.Invalid("malformed body: %v", err)
	}
	if dec.More() {
		return model.Invalid("request body must hold a single object")
	}
	return nil
}

// Accounts

type createAccountBody struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.services.Accounts.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var body createAccountBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.services.Accounts.Create(r.Context(), body.Name, body.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.services.Accounts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var body account.Update
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.services.Accounts.UpdateProfile(r.Context(), mux.Vars(r)["id"], body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.services.Ledger.Reconcile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Requests

type decideBody struct {
	Approved *bool `json:"approved"`
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requests, err := s.services.Workflow.List(r.Context(), store.RequestFilter{
		Status:    model.RequestStatus(q.Get("status")),
		AccountID: q.Get("accountId"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.services.Workflow.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var sub workflow.Submission
	if err := decode(r, &sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.services.Workflow.Submit(r.Context(), sub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleOpenRequest(w http.ResponseWriter, r *http.Request) {
	var sub workflow.Submission
	if err := decode(r, &sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.services.Workflow.Open(r.Context(), sub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleDecideRequest(w http.ResponseWriter, r *http.Request) {
	var body decideBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Approved == nil {
		s.writeError(w, r, model.Invalid("approved is required"))
		return
	}
	req, err := s.services.Workflow.Decide(r.Context(), mux.Vars(r)["id"], *body.Approved)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Transactions

type postTransactionBody struct {
	AccountID   string          `json:"accountId"`
	Direction   model.Direction `json:"direction"`
	Amount      model.Money     `json:"amount"`
	Description string          `json:"description"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TransactionFilter{
		AccountID: q.Get("accountId"),
		Direction: model.Direction(q.Get("direction")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, model.Invalid("limit %q is not a number", v))
			return
		}
		f.Limit = n
	}

	txs, more, err := s.services.Ledger.Page(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if more {
		w.Header().Set(MoreResultsHeader, "true")
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handlePostTransaction(w http.ResponseWriter, r *http.Request) {
	var body postTransactionBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.services.Ledger.Post(r.Context(), ledger.Entry{
		AccountID:   body.AccountID,
		Direction:   body.Direction,
		Amount:      body.Amount,
		Description: body.Description,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// Alerts

type updateAlertBody struct {
	Status model.AlertStatus `json:"status"`
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts, err := s.services.Alerts.List(r.Context(), store.AlertFilter{
		Status:    model.AlertStatus(q.Get("status")),
		AccountID: q.Get("accountId"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleUpdateAlert only acknowledges; alerts cannot be marked unread again.
func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	var body updateAlertBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Status != model.AlertRead {
		s.writeError(w, r, model.Invalid("status must be %q", model.AlertRead))
		return
	}
	a, err := s.services.Alerts.MarkRead(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Cards

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.services.Cards.List(r.Context(), r.URL.Query().Get("accountId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (s *Server) handleIssueCard(w http.ResponseWriter, r *http.Request) {
	var req card.Request
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.services.Cards.Issue(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}
