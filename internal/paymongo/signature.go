package paymongo

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// PayMongo signs webhooks as "t=<unix>,te=<hex>,li=<hex>": te is the HMAC
// for test-mode events, li for live. The MAC is HMAC-SHA256 over
// "<t>.<raw body>": the exact bytes received, never a re-serialization.

var ErrBadSignatureHeader = errors.New("malformed signature header")

type Signature struct {
	Timestamp string
	Test      string
	Live      string
}

func ParseSignatureHeader(header string) (Signature, error) {
	var s Signature
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Signature{}, ErrBadSignatureHeader
		}
		switch k {
		case "t":
			s.Timestamp = v
		case "te":
			s.Test = v
		case "li":
			s.Live = v
		}
	}
	if s.Timestamp == "" || (s.Test == "" && s.Live == "") {
		return Signature{}, ErrBadSignatureHeader
	}
	return s, nil
}

func ComputeSignature(secret, timestamp string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the header MAC against the raw request bytes using
// a constant-time comparison. liveMode selects which header element to
// trust.
func VerifySignature(secret, header string, rawBody []byte, liveMode bool) bool {
	sig, err := ParseSignatureHeader(header)
	if err != nil {
		return false
	}
	supplied := sig.Test
	if liveMode {
		supplied = sig.Live
	}
	if supplied == "" {
		return false
	}
	expected := ComputeSignature(secret, sig.Timestamp, rawBody)
	return hmac.Equal([]byte(expected), []byte(supplied))
}
