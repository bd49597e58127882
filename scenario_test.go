package main

import (
	"net"
	"testing"
	"time"

	"github.com/fernet/fernet-go"

	"broker/server/store"
)

// testPeer represents one simulated client: a Conn the server writes
// through, plus a background reader that drains every frame the server sent
// into frames, and the key the test uses to decode them, exercising the real
// codec/framing stack end to end without the RSA handshake (whose key
// material is irrelevant to dispatch logic). net.Pipe has no internal
// buffering, so the drain keeps the server's writes from blocking until the
// test calls recv.
type testPeer struct {
	conn   *Conn // server's handle on this peer
	frames chan []byte
	key    *fernet.Key
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close(); clientSide.Close() })

	var key fernet.Key
	if err := key.Generate(); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	frames := make(chan []byte, 64)
	go func() {
		defer close(frames)
		fr := newFrameReader(clientSide)
		for {
			payload, err := fr.readFrame()
			if err != nil {
				return
			}
			frames <- payload
		}
	}()

	return &testPeer{
		conn:   newConn(serverSide, &key),
		frames: frames,
		key:    &key,
	}
}

// recv decodes the next frame the server sent to this peer. Runs with a
// deadline so a missing send fails the test instead of hanging.
func (p *testPeer) recv(t *testing.T) Record {
	t.Helper()
	select {
	case payload, ok := <-p.frames:
		if !ok {
			t.Fatalf("recv: connection closed")
		}
		rec, err := decodeRecord(p.key, payload)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		return rec
	case <-time.After(2 * time.Second):
		t.Fatalf("recv: timed out waiting for a frame")
		return nil
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return newServer(DefaultConfig(), st)
}

func loginUser(t *testing.T, s *Server, username, password string) (*testPeer, string) {
	t.Helper()
	if err := s.store.Register(username, password, ""); err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	peer := newTestPeer(t)
	peer.conn.username = "" // login handler sets this
	reply := s.handleLogin(peer.conn, Record{"type": TypeLogin, "username": username, "password": password})
	if reply.str("status") != "success" {
		t.Fatalf("login failed for %s: %+v", username, reply)
	}
	token := reply.str("session_token")
	return peer, token
}

// TestScenarioLoginRoster covers spec.md §8 S1.
func TestScenarioLoginRoster(t *testing.T) {
	s := newTestServer(t)
	alice, _ := loginUser(t, s, "alice", "pw1")
	_, _ = loginUser(t, s, "bob", "pw2")

	reply := s.handleGetUserList(alice.conn)
	users, _ := reply["users"].([]Record)
	if len(users) != 1 || users[0].str("username") != "bob" {
		t.Fatalf("expected alice's roster to contain only bob, got %+v", users)
	}
	for _, u := range users {
		if u.str("username") == "alice" {
			t.Fatalf("alice's own roster must never contain alice")
		}
	}
}

// TestScenarioMessageDelivery covers spec.md §8 S2.
func TestScenarioMessageDelivery(t *testing.T) {
	s := newTestServer(t)
	alice, _ := loginUser(t, s, "alice", "pw1")
	bob, _ := loginUser(t, s, "bob", "pw2")

	reply := s.dispatchForTest(alice.conn, Record{
		"type": TypeP2PMessage, "to": "bob", "message": "hi", "message_id": "m1",
	})
	if reply.str("status") != "delivered" || reply.str("message_id") != "m1" {
		t.Fatalf("unexpected sender reply: %+v", reply)
	}

	delivered := bob.recv(t)
	if delivered.str("type") != TypeP2PMessage || delivered.str("from") != "alice" || delivered.str("message_id") != "m1" {
		t.Fatalf("unexpected delivered record: %+v", delivered)
	}
}

// TestScenarioOfflineRecipient covers spec.md §8 S3.
func TestScenarioOfflineRecipient(t *testing.T) {
	s := newTestServer(t)
	alice, _ := loginUser(t, s, "alice", "pw1")
	// bob never logs in: absent from Presence entirely.

	reply := s.dispatchForTest(alice.conn, Record{
		"type": TypeP2PMessage, "to": "bob", "message": "hi", "message_id": "m2",
	})
	if reply.str("status") != "user_offline" || reply.str("message_id") != "m2" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

// TestScenarioCallAccept covers spec.md §8 S4.
func TestScenarioCallAccept(t *testing.T) {
	s := newTestServer(t)
	alice, _ := loginUser(t, s, "alice", "pw1")
	bob, _ := loginUser(t, s, "bob", "pw2")

	reply := s.handleCallRequest(alice.conn, Record{"type": TypeCallRequest, "to": "bob", "call_type": "audio", "call_id": "c1"})
	if reply.str("status") != "ringing" || reply.str("call_id") != "c1" {
		t.Fatalf("expected ringing with call_id c1 unchanged, got %+v", reply)
	}
	callID := reply.str("call_id")

	incoming := bob.recv(t)
	if incoming.str("type") != TypeCallRequest || incoming.str("from") != "alice" || incoming.str("call_id") != "c1" {
		t.Fatalf("unexpected incoming call notice: %+v", incoming)
	}

	answerReply := s.handleCallAnswer(bob.conn, Record{"type": TypeCallAnswer, "call_id": callID, "answer": "accept", "call_port": float64(40001)})
	if answerReply.str("status") != "accepted" {
		t.Fatalf("expected accepted, got %+v", answerReply)
	}

	accepted := alice.recv(t)
	if accepted.str("type") != TypeCallAccepted || accepted.str("from") != "bob" {
		t.Fatalf("unexpected call_accepted: %+v", accepted)
	}

	// Subsequent call_request from alice while c1 is active yields user_busy.
	busy := s.handleCallRequest(alice.conn, Record{"type": TypeCallRequest, "to": "bob", "call_type": "audio", "call_id": "c2"})
	if busy.str("status") != "user_busy" {
		t.Fatalf("expected user_busy, got %+v", busy)
	}
}

// TestScenarioAbruptEnd covers spec.md §8 S5.
func TestScenarioAbruptEnd(t *testing.T) {
	s := newTestServer(t)
	alice, _ := loginUser(t, s, "alice", "pw1")
	bob, _ := loginUser(t, s, "bob", "pw2")

	reply := s.handleCallRequest(alice.conn, Record{"type": TypeCallRequest, "to": "bob", "call_type": "audio", "call_id": "c1"})
	if reply.str("call_id") != "c1" {
		t.Fatalf("expected call_id to be preserved as c1, got %+v", reply)
	}
	callID := reply.str("call_id")
	bob.recv(t) // incoming call_request notice

	s.handleCallAnswer(bob.conn, Record{"type": TypeCallAnswer, "call_id": callID, "answer": "accept"})
	alice.recv(t) // call_accepted

	// Bob's connection drops.
	s.removeFromPresence("bob", bob.conn)

	ended := alice.recv(t)
	if ended.str("type") != TypeCallEnded || ended.str("from") != "bob" || ended.str("reason") != "user_disconnected" {
		t.Fatalf("unexpected call_ended: %+v", ended)
	}

	again := s.handleCallEnd(alice.conn, Record{"type": TypeCallEnd, "call_id": callID})
	if again.str("status") != "already_ended" {
		t.Fatalf("expected already_ended, got %+v", again)
	}
}

// TestScenarioStuckRinging covers spec.md §8 S6.
func TestScenarioStuckRinging(t *testing.T) {
	s := newTestServer(t)
	alice, _ := loginUser(t, s, "alice", "pw1")
	charlie, _ := loginUser(t, s, "charlie", "pw3")

	reply := s.handleCallRequest(alice.conn, Record{"type": TypeCallRequest, "to": "charlie", "call_type": "audio", "call_id": "c1"})
	if reply.str("call_id") != "c1" {
		t.Fatalf("expected call_id to be preserved as c1, got %+v", reply)
	}
	callID := reply.str("call_id")
	charlie.recv(t) // incoming call_request notice

	call := s.calls.Get(callID)
	call.StartedAt = time.Now().Add(-200 * time.Second)

	s.sweepStuckCalls()

	aliceEnded := alice.recv(t)
	if aliceEnded.str("type") != TypeCallEnded || aliceEnded.str("from") != "system" || aliceEnded.str("reason") != "timeout" {
		t.Fatalf("unexpected call_ended for alice: %+v", aliceEnded)
	}
	charlieEnded := charlie.recv(t)
	if charlieEnded.str("type") != TypeCallEnded || charlieEnded.str("from") != "system" {
		t.Fatalf("unexpected call_ended for charlie: %+v", charlieEnded)
	}
	if s.calls.Get(callID) != nil {
		t.Fatalf("expected call removed from table after sweep")
	}
}

// TestScenarioReloginDoesNotEvictNewConnection covers spec.md §4.5's login
// eviction: when alice reconnects and logs in again, the old connection's
// own teardown (its read loop exiting after handleLogin closed it) must not
// remove the new connection's presence entry or tear down its calls.
func TestScenarioReloginDoesNotEvictNewConnection(t *testing.T) {
	s := newTestServer(t)
	oldPeer, _ := loginUser(t, s, "alice", "pw1")
	bob, _ := loginUser(t, s, "bob", "pw2")

	newPeer := newTestPeer(t)
	reply := s.handleLogin(newPeer.conn, Record{"type": TypeLogin, "username": "alice", "password": "pw1"})
	if reply.str("status") != "success" {
		t.Fatalf("relogin failed: %+v", reply)
	}
	newPeer.conn.username = "alice"

	if entry := s.presence.Lookup("alice"); entry == nil || entry.Conn != newPeer.conn {
		t.Fatalf("expected presence to point at the new connection")
	}

	// Start a call on the new connection, then run the old connection's
	// teardown — simulating its read loop exiting after being closed by the
	// login above.
	callReply := s.handleCallRequest(newPeer.conn, Record{"type": TypeCallRequest, "to": "bob", "call_type": "audio", "call_id": "c1"})
	if callReply.str("status") != "ringing" {
		t.Fatalf("expected ringing, got %+v", callReply)
	}
	bob.recv(t) // incoming call_request notice

	s.teardown(oldPeer.conn)

	if entry := s.presence.Lookup("alice"); entry == nil || entry.Conn != newPeer.conn {
		t.Fatalf("old connection's teardown must not evict the new login, got %+v", entry)
	}
	if s.calls.Get("c1") == nil {
		t.Fatalf("old connection's teardown must not tear down the new connection's call")
	}
}

// dispatchForTest invokes dispatch but captures the reply it would have
// sent to c, instead of actually writing it — useful when the test also
// wants to assert on the synchronous reply's fields directly.
func (s *Server) dispatchForTest(c *Conn, rec Record) Record {
	switch rec.str("type") {
	case TypeP2PMessage:
		return s.handleP2PMessage(c, rec)
	default:
		panic("dispatchForTest: unsupported type in test helper")
	}
}
