package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"condo-assistant/internal/assistant"
	"condo-assistant/internal/stream"
)

var (
	ErrSendInProgress      = errors.New("a message is already being sent")
	ErrConversationBusy    = errors.New("conversation is streaming a reply")
	ErrConversationMissing = errors.New("conversation could not be created")
	ErrListDetached        = errors.New("message list does not show the conversation")
)

type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindRateLimited     ErrorKind = "rate_limited"
	KindQuotaExhausted  ErrorKind = "quota_exhausted"
	KindTransport       ErrorKind = "transport_failure"
	KindMalformed       ErrorKind = "malformed_response"
	KindPersistence     ErrorKind = "persistence_failure"
	KindCancelled       ErrorKind = "cancelled"
)

const (
	msgUnauthenticated = "Sessão expirada. Faça login novamente."
	msgRateLimited     = "Limite de requisições excedido. Aguarde alguns instantes e tente novamente."
	msgQuotaExhausted  = "Créditos de IA esgotados. Contate a administração."
	msgTransport       = "Não foi possível obter resposta do assistente."
	msgPersistence     = "Não foi possível criar a conversa."
	msgHistory         = "Não foi possível carregar a conversa."
	msgCancelled       = "Envio cancelado."
)

// PipelineError is the classified failure of a send. Message is safe to show
// to the user; Status is the HTTP status the handler should answer with.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Status  int
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

func newPipelineError(kind ErrorKind, cause error) *PipelineError {
	e := &PipelineError{Kind: kind, Cause: cause}
	switch kind {
	case KindUnauthenticated:
		e.Message, e.Status = msgUnauthenticated, http.StatusUnauthorized
	case KindRateLimited:
		e.Message, e.Status = msgRateLimited, http.StatusTooManyRequests
	case KindQuotaExhausted:
		e.Message, e.Status = msgQuotaExhausted, http.StatusPaymentRequired
	case KindPersistence:
		e.Message, e.Status = msgPersistence, http.StatusInternalServerError
	case KindCancelled:
		e.Message, e.Status = msgCancelled, http.StatusRequestTimeout
	default:
		e.Message, e.Status = msgTransport, http.StatusBadGateway
	}
	return e
}

// classify maps a stream failure onto the error taxonomy. Server-supplied
// text replaces the default message for rate-limit and quota answers.
func classify(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newPipelineError(KindCancelled, err)
	}

	if errors.Is(err, assistant.ErrNoCredential) {
		return newPipelineError(KindUnauthenticated, err)
	}

	var statusErr *assistant.StatusError
	if errors.As(err, &statusErr) {
		var e *PipelineError
		switch {
		case errors.Is(err, assistant.ErrRateLimited):
			e = newPipelineError(KindRateLimited, err)
		case errors.Is(err, assistant.ErrQuotaExhausted):
			e = newPipelineError(KindQuotaExhausted, err)
		default:
			return newPipelineError(KindTransport, err)
		}
		if statusErr.Message != "" {
			e.Message = statusErr.Message
		}
		return e
	}

	if errors.Is(err, stream.ErrStreamError) {
		return newPipelineError(KindMalformed, err)
	}

	return newPipelineError(KindTransport, err)
}

// metricOutcome names the outcome label recorded for a finished stream.
func metricOutcome(err error) string {
	if err == nil {
		return "success"
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return string(KindTransport)
}
