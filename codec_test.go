package main

import (
	"testing"

	"github.com/fernet/fernet-go"
)

func testKey(t *testing.T) *fernet.Key {
	t.Helper()
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return &k
}

// TestEncodeDecodeRoundTrip covers spec.md §8's round-trip property:
// encoding then decoding any record preserves it.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := testKey(t)
	rec := Record{
		"type":       TypeP2PMessage,
		"from":       "alice",
		"message":    "hello",
		"message_id": "m1",
		"timestamp":  "2026-01-01T00:00:00Z",
	}

	payload, err := encodeRecord(key, rec)
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}

	got, err := decodeRecord(key, payload)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	for k, v := range rec {
		if got[k] != v {
			t.Fatalf("field %q: got %v, want %v", k, got[k], v)
		}
	}
}

func TestDecodeRecordWrongKeyFails(t *testing.T) {
	key := testKey(t)
	other := testKey(t)

	payload, err := encodeRecord(key, Record{"type": TypeHeartbeat})
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}

	if _, err := decodeRecord(other, payload); err == nil {
		t.Fatalf("expected decode under the wrong key to fail")
	}
}

func TestDecodeRecordMissingTypeTag(t *testing.T) {
	key := testKey(t)
	payload, err := encodeRecord(key, Record{"foo": "bar"})
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}
	if _, err := decodeRecord(key, payload); err == nil {
		t.Fatalf("expected missing type tag to be rejected")
	}
}

func TestDecodeRecordGarbageFails(t *testing.T) {
	key := testKey(t)
	if _, err := decodeRecord(key, []byte("not a fernet token")); err == nil {
		t.Fatalf("expected garbage payload to fail decoding")
	}
}
