package protocol

import (
	"bytes"
	"fmt"

	"github.com/andresmejia3/wakewire/internal/types"
)

// TokenSize is the width of every reply so the client can read replies
// without a length prefix.
const TokenSize = 8

var (
	TokenDetected    = []byte("DETECTED")
	TokenNotDetected = []byte("NOT     ")
)

// Encode returns the reply token for v. The returned slice must not be modified.
func Encode(v types.Verdict) []byte {
	if v.Detected {
		return TokenDetected
	}
	return TokenNotDetected
}

// Decode reports whether token signals a detection.
func Decode(token []byte) (bool, error) {
	switch {
	case bytes.Equal(token, TokenDetected):
		return true, nil
	case bytes.Equal(token, TokenNotDetected):
		return false, nil
	}
	return false, fmt.Errorf("%w: unknown reply token %q", ErrMalformedFrame, token)
}
