package logging

import (
	"bank-ledger/pkg/model"

	"go.uber.org/zap"
)

// Field constructors for the ledger's common log keys.

func AccountID(id string) zap.Field { return zap.String("account_id", id) }

func RequestID(id string) zap.Field { return zap.String("request_id", id) }

func AlertID(id string) zap.Field { return zap.String("alert_id", id) }

func TraceID(id string) zap.Field { return zap.String("trace_id", id) }

func Amount(m model.Money) zap.Field { return zap.Stringer("amount", m) }

func Kind(k model.RequestKind) zap.Field { return zap.String("kind", string(k)) }

// ErrorKind logs the category label of err next to the error itself.
func ErrorKind(err error) zap.Field { return zap.String("error_kind", model.ClassifyError(err)) }
