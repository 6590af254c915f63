package app

import (
	"errors"
	"fmt"
	"net/http"

	"poruka/api/internal/identity"
	"poruka/api/internal/model"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var codeStatus = map[model.Code]int{
	model.CodeNotAuthenticated:   http.StatusUnauthorized,
	model.CodeInvalidCredentials: http.StatusUnauthorized,
	model.CodeNotFound:           http.StatusNotFound,
	model.CodeAmbiguousMatch:     http.StatusConflict,
	model.CodeDuplicateRequest:   http.StatusConflict,
	model.CodeEmailTaken:         http.StatusConflict,
	model.CodeHandleTaken:        http.StatusConflict,
	model.CodeSelfRequest:        http.StatusUnprocessableEntity,
	model.CodeEmptyContent:       http.StatusUnprocessableEntity,
	model.CodeValidation:         http.StatusUnprocessableEntity,
	model.CodeAlreadyResolved:    http.StatusConflict,
	model.CodeInvalidToken:       http.StatusBadRequest,
	model.CodeStoreUnavailable:   http.StatusServiceUnavailable,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	var modelErr *model.Error
	if errors.As(err, &modelErr) {
		status, ok := codeStatus[modelErr.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		message := modelErr.Message
		if modelErr.Code == model.CodeStoreUnavailable {
			message = "Storage temporarily unavailable"
		}
		return status, string(modelErr.Code), message, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
