package app

import (
	"errors"
	"fmt"

	"github.com/itsthenavid/arc-sockstate/security/token"
)

// minTokenHMACKeyBytes is the smallest accepted ARC_TOKEN_HMAC_KEY.
const minTokenHMACKeyBytes = 32

// NewTokenHasher builds the refresh-token hasher and enforces the startup
// security policy: with RequireTokenHMAC there is no SHA-256 fallback.
func NewTokenHasher(cfg Config) (token.Hasher, error) {
	h, err := token.NewHasherFromEnv(cfg.RequireTokenHMAC, minTokenHMACKeyBytes)
	switch {
	case errors.Is(err, token.ErrHMACKeyMissing):
		return token.Hasher{}, fmt.Errorf("%w: ARC_REQUIRE_TOKEN_HMAC=true but %s is missing", ErrConfig, token.HMACEnvKey)
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return token.Hasher{}, fmt.Errorf("%w: %s is too short (min %d bytes)", ErrConfig, token.HMACEnvKey, minTokenHMACKeyBytes)
	case err != nil:
		return token.Hasher{}, err
	}

	if cfg.RequireTokenHMAC && !h.HMAC() {
		return token.Hasher{}, fmt.Errorf("%w: ARC_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode", ErrConfig)
	}
	return h, nil
}
