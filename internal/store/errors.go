package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPermission        = errors.New("permission denied")
	ErrTransient         = errors.New("remote unavailable")
)

type StockShortage struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// ValidationError rejects a request before anything is written or queued.
type ValidationError struct {
	Reason    string
	Shortages []StockShortage
}

func (e *ValidationError) Error() string {
	if len(e.Shortages) == 0 {
		return e.Reason
	}
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		name := s.Name
		if name == "" {
			name = s.ProductID
		}
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", name, s.Requested, s.Available))
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(parts, ", "))
}

func (e *ValidationError) Unwrap() []error {
	if len(e.Shortages) > 0 {
		return []error{ErrValidation, ErrInsufficientStock}
	}
	return []error{ErrValidation}
}

func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
