package aiauth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Required request headers for every signed AI call.
const (
	HeaderClientID  = "X-AI-Client-Id"
	HeaderTimestamp = "X-AI-Timestamp"
	HeaderNonce     = "X-AI-Nonce"
	HeaderSignature = "X-AI-Signature"
)

// MaxClockSkew bounds both clock drift and the replay window.
const MaxClockSkew = 60 * time.Second

// Reason codes carried on 401 responses.
const (
	ReasonMissingHeaders      = "MISSING_HEADERS"
	ReasonInvalidTimestamp    = "INVALID_TIMESTAMP"
	ReasonTimestampOutOfRange = "TIMESTAMP_OUT_OF_RANGE"
	ReasonUnknownOrRevoked    = "UNKNOWN_OR_REVOKED"
	ReasonReplayDetected      = "REPLAY_DETECTED"
	ReasonBadEncoding         = "BAD_KEY_OR_SIGNATURE_ENCODING"
	ReasonBadSignature        = "BAD_SIGNATURE"
)

// Input is everything the verifier reads from a request, decoupled from any
// transport type so the whole algorithm is unit-testable.
type Input struct {
	Method  string
	Path    string
	Header  func(name string) string
	RawBody []byte
	Now     time.Time
}

// Result reports either the resolved internal client id or a terminal
// authentication failure. Failures are never retried server-side.
type Result struct {
	OK       bool
	ClientID string // internal id, not the public header id
	Status   int
	Reason   string
	Message  string
}

func failure(reason, message string) Result {
	return Result{Status: 401, Reason: reason, Message: message}
}

// Verifier checks identity, freshness and replay for signed AI requests.
type Verifier struct {
	Clients ClientStore
	Nonces  NonceLedger
}

// Verify runs the full header/timestamp/client/nonce/signature pipeline.
// The nonce is consumed before the signature check on purpose: a burned nonce
// on a bad signature is cheap for the caller to replace, while checking the
// signature first would open a replay race between concurrent duplicates.
func (v *Verifier) Verify(ctx context.Context, in Input) (Result, error) {
	clientID := strings.TrimSpace(in.Header(HeaderClientID))
	tsRaw := strings.TrimSpace(in.Header(HeaderTimestamp))
	nonce := strings.TrimSpace(in.Header(HeaderNonce))
	sig := strings.TrimSpace(in.Header(HeaderSignature))
	if clientID == "" || tsRaw == "" || nonce == "" || sig == "" {
		return failure(ReasonMissingHeaders, "missing AI auth headers"), nil
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return failure(ReasonInvalidTimestamp, "invalid timestamp"), nil
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	skew := now.UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Millisecond > MaxClockSkew {
		return failure(ReasonTimestampOutOfRange, "timestamp out of range"), nil
	}

	client, err := v.Clients.GetByClientID(ctx, clientID)
	if err != nil {
		return Result{}, err
	}
	if client == nil || client.RevokedAt != nil {
		return failure(ReasonUnknownOrRevoked, "unknown or revoked AI client"), nil
	}

	if err := v.Nonces.Record(ctx, client.ID, nonce); err != nil {
		if err == ErrNonceReplayed {
			return failure(ReasonReplayDetected, "replay detected (nonce reused)"), nil
		}
		return Result{}, err
	}

	canonical := CanonicalString(in.Method, in.Path, tsRaw, nonce, in.RawBody)
	sigBytes, sigErr := DecodeBase64URL(sig)
	pkBytes, pkErr := DecodeBase64URL(client.PublicKey)
	if sigErr != nil || pkErr != nil || len(pkBytes) != ed25519.PublicKeySize {
		return failure(ReasonBadEncoding, "bad signature or public key encoding"), nil
	}
	if !ed25519.Verify(ed25519.PublicKey(pkBytes), []byte(canonical), sigBytes) {
		return failure(ReasonBadSignature, "bad signature"), nil
	}
	return Result{OK: true, ClientID: client.ID}, nil
}

// CanonicalString is the exact byte sequence a client signs. METHOD and PATH
// come from the request being served, never from headers, binding the
// signature to the verb and path. The trailing newline is part of the format.
func CanonicalString(method, path, timestamp, nonce string, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + hex.EncodeToString(sum[:]) + "\n"
}
