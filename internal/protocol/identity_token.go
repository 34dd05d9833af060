package protocol

import (
	"fmt"

	"github.com/SMG3zx/spacetimedb-sdk-go/types"
)

func validateIdentityToken(payload IdentityToken) error {
	if payload.Identity == "" {
		return fmt.Errorf("IdentityToken payload missing identity")
	}
	if payload.Token == "" {
		return fmt.Errorf("IdentityToken payload missing token")
	}
	if _, err := types.ParseIdentity(payload.Identity); err != nil {
		return fmt.Errorf("IdentityToken payload: %w", err)
	}
	return nil
}

// ParsedIdentity returns the identity carried by the token message.
func (t IdentityToken) ParsedIdentity() (types.Identity, error) {
	return types.ParseIdentity(t.Identity)
}
