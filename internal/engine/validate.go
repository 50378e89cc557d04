package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidSession is returned when a session ID is not a well-formed cart UUID
	ErrInvalidSession = errors.New("invalid session id")

	// ErrInvalidProduct is returned when a product ID is empty or not SKU-shaped
	ErrInvalidProduct = errors.New("invalid product id")
)

// validateSession rejects malformed session identifiers before any store
// access. Cart sessions are the storefront's cart UUIDs.
func validateSession(sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return ErrInvalidSession
	}
	return nil
}

// validateProducts rejects empty batches and malformed SKUs, also before
// any store access.
func validateProducts(productIDs []string) error {
	if len(productIDs) == 0 {
		return fmt.Errorf("%w: empty product list", ErrInvalidProduct)
	}
	for _, id := range productIDs {
		if id == "" || len(id) > 64 {
			return fmt.Errorf("%w: %q", ErrInvalidProduct, id)
		}
		for _, r := range id {
			if !isSKURune(r) {
				return fmt.Errorf("%w: %q", ErrInvalidProduct, id)
			}
		}
	}
	return nil
}

func isSKURune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}
