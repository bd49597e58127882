package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// fernetTTL bounds how stale a token may be and still decrypt. Frames are
// meant to be consumed within the same read cycle they were produced, so a
// generous window only guards against clock skew, not replay.
const fernetTTL = 10 * time.Minute

// encodeRecord serializes rec to JSON and encrypts it under key, producing
// the ciphertext that writeFrame sends as a frame's payload.
func encodeRecord(key *fernet.Key, rec Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	tok, err := fernet.EncryptAndSign(raw, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt record: %w", err)
	}
	return tok, nil
}

// decodeRecord reverses encodeRecord. Per spec.md §4.3, decryption and
// JSON-parse failures are reported distinctly so the caller can log and
// reply with a generic error record without killing the connection.
func decodeRecord(key *fernet.Key, payload []byte) (Record, error) {
	raw := fernet.VerifyAndDecrypt(payload, fernetTTL, []*fernet.Key{key})
	if raw == nil {
		return nil, fmt.Errorf("decrypt frame: invalid or expired token")
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if _, ok := rec["type"].(string); !ok {
		return nil, fmt.Errorf("record missing type tag")
	}
	return rec, nil
}
