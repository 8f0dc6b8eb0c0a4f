// Package model defines the ledger entities, their enumerations and the
// error taxonomy shared by every component and storage implementation.
package model

import "time"

// Direction says whether a transaction increases or decreases a balance.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Credit || d == Debit
}

// Signed returns amount with the sign the direction applies to a balance.
func (d Direction) Signed(amount Money) Money {
	if d == Debit {
		return -amount
	}
	return amount
}

// TransactionStatus is the settlement state of a ledger entry.
type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "completed"
	TransactionPending   TransactionStatus = "pending"
)

// RequestKind is what a request asks an administrator to do.
type RequestKind string

const (
	KindDeposit    RequestKind = "deposit"
	KindWithdrawal RequestKind = "withdrawal"
	KindCard       RequestKind = "card"
)

// Valid reports whether k is a known request kind.
func (k RequestKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindCard:
		return true
	}
	return false
}

// MovesMoney reports whether approving this kind changes a balance.
func (k RequestKind) MovesMoney() bool {
	return k == KindDeposit || k == KindWithdrawal
}

// Direction returns the ledger direction an approved request of this kind produces.
func (k RequestKind) Direction() Direction {
	if k == KindDeposit {
		return Credit
	}
	return Debit
}

// RequestStatus is the state of the approval state machine.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestRejected:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected
}

// AlertStatus is the acknowledgement state of an alert.
type AlertStatus string

const (
	AlertUnread AlertStatus = "unread"
	AlertRead   AlertStatus = "read"
)

// Valid reports whether s is a known alert status.
func (s AlertStatus) Valid() bool {
	return s == AlertUnread || s == AlertRead
}

// AlertDepositAttempt is the type of alert raised for a blocked self-service deposit.
const AlertDepositAttempt = "deposit_attempt"

// CardType is the payment network product of a card.
type CardType string

const (
	CardDebit  CardType = "debit"
	CardCredit CardType = "credit"
)

// Valid reports whether t is a known card type.
func (t CardType) Valid() bool {
	return t == CardDebit || t == CardCredit
}

// Account is the root entity holding a balance.
type Account struct {
	ID            string    `json:"id"`
	AccountNumber string    `json:"accountNumber"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Balance       Money     `json:"balance"`
	IsActive      bool      `json:"isActive"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Profile is the display part of an account, safe to cache.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Profile returns the cacheable display fields of a.
func (a *Account) Profile() Profile {
	return Profile{ID: a.ID, Name: a.Name, Email: a.Email}
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"accountId"`
	Direction   Direction         `json:"direction"`
	Amount      Money             `json:"amount"`
	Description string            `json:"description"`
	Status      TransactionStatus `json:"status"`
	RequestID   string            `json:"requestId,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Request is a proposed money movement or card issuance awaiting a decision.
type Request struct {
	ID          string        `json:"id"`
	AccountID   string        `json:"accountId"`
	Kind        RequestKind   `json:"kind"`
	Amount      Money         `json:"amount"`
	CardType    CardType      `json:"cardType,omitempty"`
	Description string        `json:"description"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Alert is an administrator notice about a disallowed user action.
// AccountName is filled at read time and never persisted.
type Alert struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"accountId"`
	AccountName string      `json:"accountName,omitempty"`
	Type        string      `json:"type"`
	Message     string      `json:"message"`
	Amount      Money       `json:"amount"`
	Status      AlertStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Card is a payment credential owned by an account.
type Card struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"accountId"`
	CardNumber string    `json:"cardNumber"`
	CardType   CardType  `json:"cardType"`
	Expiry     string    `json:"expiry"`
	HolderName string    `json:"holderName"`
	CreatedAt  time.Time `json:"createdAt"`
}
