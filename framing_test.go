package main

import (
	"net"
	"testing"
)

func TestFrameRoundTripSingleWrite(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		done <- writeFrame(client, []byte("hello world"))
	}()

	fr := newFrameReader(server)
	frame, err := fr.readFrame()
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if string(frame) != "hello world" {
		t.Fatalf("got %q", frame)
	}
	if err := <-done; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
}

// TestFrameReaderHandlesMultipleFramesInOneWrite covers spec.md §4.1:
// "a single read may deliver part of a frame, a full frame, or several
// frames."
func TestFrameReaderHandlesMultipleFramesInOneWrite(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("one<END>two<END>thr"))
		client.Write([]byte("ee<END>"))
	}()

	fr := newFrameReader(server)
	for _, want := range []string{"one", "two", "three"} {
		got, err := fr.readFrame()
		if err != nil {
			t.Fatalf("readFrame: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestFrameReaderReportsClosedPeer(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	client.Close()

	fr := newFrameReader(server)
	if _, err := fr.readFrame(); err == nil {
		t.Fatalf("expected an error once the peer closes")
	}
}
