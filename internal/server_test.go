package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wirechat/internal/storage"
)

type testServer struct {
	http  *httptest.Server
	wsURL string
	srv   *Server
	store *storage.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerOpts(t, ServerOptions{})
}

func newTestServerOpts(t *testing.T, opts ServerOptions) *testServer {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	srv := NewServer(store, "test-secret", opts)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.ServeWS)
	mux.HandleFunc("/signup", srv.HandleSignup)
	mux.HandleFunc("/login", srv.HandleLogin)
	mux.HandleFunc("/history", srv.HandleHistory)
	mux.HandleFunc("/healthz", srv.HandleHealthz)
	mux.Handle("/metrics", srv.MetricsHandler())
	mux.HandleFunc("/api/upload", srv.HandleAttachmentUpload)
	mux.HandleFunc("/api/attachments/", srv.HandleAttachmentDownload)

	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)

	return &testServer{
		http:  httpSrv,
		wsURL: "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws",
		srv:   srv,
		store: store,
	}
}

// signupAndLogin provisions an account over the public HTTP surface and
// returns the login response with its token.
func (ts *testServer) signupAndLogin(t *testing.T, username string) *loginResponse {
	t.Helper()
	if err := apiSignup(ts.http.URL, username, "password123"); err != nil {
		t.Fatalf("signup %s: %v", username, err)
	}
	login, err := apiLogin(ts.http.URL, username, "password123")
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	if login.Token == "" || login.UserID == "" {
		t.Fatalf("incomplete login response: %+v", login)
	}
	return login
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	payload, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil discards frames until pred matches one, with a deadline.
func readUntil(t *testing.T, conn *websocket.Conn, what string, pred func(Envelope) bool) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading for %s: %v", what, err)
		}
		env, err := DecodeEnvelope(payload)
		if err != nil {
			continue
		}
		if pred(env) {
			return env
		}
	}
}

func TestChatRoundtrip(t *testing.T) {
	ts := newTestServer(t)

	alice := ts.signupAndLogin(t, "alice")
	bob := ts.signupAndLogin(t, "bob")

	aliceConn := ts.dial(t, alice.Token)
	bobConn := ts.dial(t, bob.Token)

	sendWS(t, aliceConn, Envelope{Type: TypeJoin, RoomID: "lobby"})
	readUntil(t, aliceConn, "alice presence snapshot", func(env Envelope) bool {
		return env.Type == TypePresence && env.Event == ""
	})
	sendWS(t, bobConn, Envelope{Type: TypeJoin, RoomID: "lobby"})
	readUntil(t, bobConn, "bob presence snapshot", func(env Envelope) bool {
		return env.Type == TypePresence && env.Event == ""
	})

	// alice observes bob's arrival
	joinEvent := readUntil(t, aliceConn, "bob join event", func(env Envelope) bool {
		return env.Type == TypePresence && env.Event == PresenceJoin
	})
	if joinEvent.SenderID != bob.UserID {
		t.Fatalf("unexpected join sender: %+v", joinEvent)
	}

	corr := uuid.NewString()
	sendWS(t, aliceConn, Envelope{Type: TypeSend, CorrelationID: corr, RoomID: "lobby", Body: "hello bob"})

	ack := readUntil(t, aliceConn, "ack", func(env Envelope) bool {
		return env.Type == TypeAck
	})
	if ack.CorrelationID != corr || ack.Sequence != 1 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	for name, conn := range map[string]*websocket.Conn{"alice": aliceConn, "bob": bobConn} {
		broadcast := readUntil(t, conn, name+" broadcast", func(env Envelope) bool {
			return env.Type == TypeBroadcast
		})
		if broadcast.Sequence != 1 || broadcast.Body != "hello bob" || broadcast.SenderName != "alice" {
			t.Fatalf("%s got unexpected broadcast: %+v", name, broadcast)
		}
	}
}

func TestLateJoinerGetsBackfill(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signupAndLogin(t, "alice")
	aliceConn := ts.dial(t, alice.Token)

	sendWS(t, aliceConn, Envelope{Type: TypeJoin, RoomID: "lobby"})
	for i := 1; i <= 3; i++ {
		sendWS(t, aliceConn, Envelope{Type: TypeSend, CorrelationID: uuid.NewString(), RoomID: "lobby", Body: fmt.Sprintf("msg %d", i)})
		readUntil(t, aliceConn, "ack", func(env Envelope) bool {
			return env.Type == TypeAck && env.Sequence == int64(i)
		})
	}

	bob := ts.signupAndLogin(t, "bob")
	bobConn := ts.dial(t, bob.Token)
	sendWS(t, bobConn, Envelope{Type: TypeJoin, RoomID: "lobby"})

	for i := 1; i <= 3; i++ {
		env := readUntil(t, bobConn, "backfill", func(env Envelope) bool {
			return env.Type == TypeBroadcast
		})
		if env.Sequence != int64(i) {
			t.Fatalf("backfill out of order: expected %d, got %+v", i, env)
		}
	}
}

func TestSendToUnjoinedRoomIsRejected(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signupAndLogin(t, "alice")
	conn := ts.dial(t, alice.Token)

	corr := uuid.NewString()
	sendWS(t, conn, Envelope{Type: TypeSend, CorrelationID: corr, RoomID: "lobby", Body: "into the void"})
	reject := readUntil(t, conn, "reject", func(env Envelope) bool {
		return env.Type == TypeReject
	})
	if reject.CorrelationID != corr || !strings.Contains(reject.Reason, "member") {
		t.Fatalf("unexpected reject: %+v", reject)
	}
}

func TestSendRateLimit(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signupAndLogin(t, "alice")
	conn := ts.dial(t, alice.Token)

	sendWS(t, conn, Envelope{Type: TypeJoin, RoomID: "lobby"})
	for i := 0; i < 6; i++ {
		sendWS(t, conn, Envelope{Type: TypeSend, CorrelationID: uuid.NewString(), RoomID: "lobby", Body: "burst"})
	}
	reject := readUntil(t, conn, "rate limit reject", func(env Envelope) bool {
		return env.Type == TypeReject
	})
	if !strings.Contains(reject.Reason, "rate") {
		t.Fatalf("expected rate limit reason, got %+v", reject)
	}
}

func TestWSRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL, nil)
	if err == nil {
		t.Fatalf("expected handshake to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signupAndLogin(t, "alice")
	conn := ts.dial(t, alice.Token)

	sendWS(t, conn, Envelope{Type: TypeJoin, RoomID: "lobby"})
	corr := uuid.NewString()
	sendWS(t, conn, Envelope{Type: TypeSend, CorrelationID: corr, RoomID: "lobby", Body: "for the record"})
	readUntil(t, conn, "ack", func(env Envelope) bool { return env.Type == TypeAck })

	msgs, err := apiHistory(ts.http.URL, alice.Token, "lobby", 0, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "for the record" || msgs[0].Sequence != 1 {
		t.Fatalf("unexpected history: %+v", msgs)
	}

	// history requires authentication
	if _, err := apiHistory(ts.http.URL, "", "lobby", 0, 10); err == nil {
		t.Fatalf("expected unauthenticated history to fail")
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func uploadFile(t *testing.T, ts *testServer, token, name string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/api/upload", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAttachmentUploadAndDownload(t *testing.T) {
	ts := newTestServerOpts(t, ServerOptions{UploadDir: t.TempDir()})
	alice := ts.signupAndLogin(t, "alice")

	content := []byte("not actually a png")
	resp := uploadFile(t, ts, alice.Token, "photo.png", content)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		AttachmentID string `json:"attachment_id"`
		Name         string `json:"name"`
		Size         int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if created.AttachmentID == "" || created.Name != "photo.png" || created.Size != int64(len(content)) {
		t.Fatalf("unexpected upload response: %+v", created)
	}

	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/api/attachments/"+created.AttachmentID, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+alice.Token)
	dl, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", dl.StatusCode)
	}
	body, err := io.ReadAll(dl.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(body, content) {
		t.Fatalf("downloaded bytes differ: %q", body)
	}
}

func TestAttachmentUploadSizeCap(t *testing.T) {
	ts := newTestServerOpts(t, ServerOptions{UploadDir: t.TempDir(), MaxFileSize: 64})
	alice := ts.signupAndLogin(t, "alice")

	resp := uploadFile(t, ts, alice.Token, "big.bin", bytes.Repeat([]byte("x"), 4096))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestAttachmentUploadRequiresAuth(t *testing.T) {
	ts := newTestServerOpts(t, ServerOptions{UploadDir: t.TempDir()})
	resp := uploadFile(t, ts, "", "photo.png", []byte("x"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestMalformedFrameRejectKeepsConnection(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signupAndLogin(t, "alice")
	conn := ts.dial(t, alice.Token)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	reject := readUntil(t, conn, "malformed reject", func(env Envelope) bool {
		return env.Type == TypeReject
	})
	if reject.Reason == "" {
		t.Fatalf("expected a reject reason, got %+v", reject)
	}

	// the connection survives a single bad frame
	sendWS(t, conn, Envelope{Type: TypeJoin, RoomID: "lobby"})
	corr := uuid.NewString()
	sendWS(t, conn, Envelope{Type: TypeSend, CorrelationID: corr, RoomID: "lobby", Body: "still alive"})
	ack := readUntil(t, conn, "ack", func(env Envelope) bool { return env.Type == TypeAck })
	if ack.CorrelationID != corr || ack.Sequence != 1 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestRepeatedProtocolErrorsCloseConnection(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signupAndLogin(t, "alice")
	conn := ts.dial(t, alice.Token)

	for i := 0; i < maxProtocolErrs; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
			t.Fatalf("write garbage %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection still open after repeated protocol errors")
		}
	}
}
