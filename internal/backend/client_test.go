package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"offgrid/internal/auth"
	"offgrid/internal/filestore"
	"offgrid/internal/logging"
	"offgrid/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.Client(), logging.Nop())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_LoginAndAuthHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		var req auth.LoginRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, auth.LoginResponse{Message: "Invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, auth.LoginResponse{Success: true, UserID: "u1", Token: "tok"})
	})
	mux.HandleFunc("GET /api/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("token") != "tok" {
			writeJSON(w, http.StatusUnauthorized, models.APIResponse{Message: "Unauthorized", Code: models.CodeUnauthorized})
			return
		}
		writeJSON(w, http.StatusOK, models.User{ID: "u1", UserName: "alice"})
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	_, err := c.CurrentUser(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = c.Login(ctx, "alice", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "Invalid credentials")

	require.NoError(t, c.Login(ctx, "alice", "secret"))
	user, err := c.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.UserName)

	c.SetToken("stale")
	_, err = c.CurrentUser(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_AttachmentNormalization(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u2", r.URL.Query().Get("partner"))
		_, _ = io.WriteString(w, `[
			{"id":"m1","content":"hi","senderId":"u1","receiverId":"u2","status":"sent",
			 "attachments":[{"file_url":"https://x/a.png","file_type":"image/png","file_name":"a.png","file_size":"42"}]},
			{"id":"m2","content":"","senderId":"u2","receiverId":"u1","status":"read",
			 "attachments":[{"url":"https://x/b.pdf","type":"application/pdf","name":"b.pdf","size":null},{}]}
		]`)
	})

	c := newTestClient(t, mux)
	c.SetToken("tok")

	msgs, err := c.QueryMessages(context.Background(), "u2")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, []models.Attachment{{URL: "https://x/a.png", Type: "image/png", Name: "a.png", Size: 42}}, msgs[0].Attachments)
	assert.Equal(t, []models.Attachment{{URL: "https://x/b.pdf", Type: "application/pdf", Name: "b.pdf"}}, msgs[1].Attachments)
	assert.Equal(t, models.MessageStatusRead, msgs[1].Status)
}

func TestClient_UploadErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/storage/{bucket}/{path...}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("bucket") {
		case "missing":
			writeJSON(w, http.StatusNotFound, models.APIResponse{Message: "bucket not found", Code: models.CodeBucketNotFound})
		case "attachments":
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "u1/1_a b.txt", r.PathValue("path"))
			assert.Equal(t, "payload", string(body))
			w.WriteHeader(http.StatusCreated)
		default:
			writeJSON(w, http.StatusBadRequest, models.APIResponse{Message: "nope", Code: models.CodeValidation})
		}
	})

	c := newTestClient(t, mux)
	c.SetToken("tok")
	ctx := context.Background()

	err := c.UploadObject(ctx, "missing", "u1/x.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, filestore.ErrBucketNotFound)

	require.NoError(t, c.UploadObject(ctx, "attachments", "u1/1_a b.txt", strings.NewReader("payload")))

	err = c.UploadObject(ctx, "other", "u1/x.txt", strings.NewReader("x"))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, models.CodeValidation, apiErr.Code)
	assert.False(t, errors.Is(err, filestore.ErrBucketNotFound))
}

// fakeRealtime records client frames and lets the test push server frames.
type fakeRealtime struct {
	mu     sync.Mutex
	frames []models.ClientFrame
	conn   *websocket.Conn
	ready  chan struct{}
}

func (f *fakeRealtime) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("token") != "tok" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		close(f.ready)

		for {
			var frame models.ClientFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			f.mu.Lock()
			f.frames = append(f.frames, frame)
			f.mu.Unlock()
		}
	}
}

func (f *fakeRealtime) received() []models.ClientFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ClientFrame(nil), f.frames...)
}

func (f *fakeRealtime) push(t *testing.T, frame any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(t, f.conn.WriteJSON(frame))
}

func TestClient_Realtime(t *testing.T) {
	fake := &fakeRealtime{ready: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/realtime", fake.handler(t))

	c := newTestClient(t, mux)
	ctx := context.Background()

	require.ErrorIs(t, c.Connect(ctx, time.Hour), ErrUnauthorized)

	c.mu.Lock()
	c.token, c.userID = "tok", "u1"
	c.mu.Unlock()

	require.NoError(t, c.Connect(ctx, 20*time.Millisecond))
	t.Cleanup(func() { _ = c.Close() })
	<-fake.ready

	changes := make(chan models.ChangeEvent, 4)
	unsubChanges, err := c.SubscribeChanges(ctx, "u2", func(ev models.ChangeEvent) { changes <- ev })
	require.NoError(t, err)

	events := make(chan string, 4)
	_, err = c.SubscribeBroadcast(ctx, models.TypingChannel("u2", "u1"), func(event string, payload json.RawMessage) {
		var sig models.TypingSignal
		_ = json.Unmarshal(payload, &sig)
		if sig.IsTyping {
			events <- event + ":on"
		} else {
			events <- event + ":off"
		}
	})
	require.NoError(t, err)

	require.NoError(t, c.PublishBroadcast(ctx, models.TypingChannel("u1", "u2"), models.EventTyping,
		models.TypingSignal{UserID: "u1", TargetUserID: "u2", IsTyping: true}))

	fake.push(t, map[string]any{
		"type":  "change",
		"topic": models.PairTopic("u1", "u2"),
		"event": "INSERT",
		"message": map[string]any{
			"id": "m1", "senderId": "u2", "receiverId": "u1", "status": "sent",
			"attachments": []map[string]any{{"file_url": "https://x/a", "file_name": "a"}},
		},
	})
	fake.push(t, models.ServerFrame{
		Type:    models.ServerFrameBroadcast,
		Topic:   models.TypingChannel("u2", "u1"),
		Event:   models.EventTyping,
		Payload: json.RawMessage(`{"user_id":"u2","to":"u1","isTyping":true}`),
	})

	select {
	case ev := <-changes:
		assert.Equal(t, models.ChangeInsert, ev.Kind)
		assert.Equal(t, "m1", ev.Message.ID)
		assert.Equal(t, "a", ev.Message.FirstAttachmentName())
	case <-time.After(2 * time.Second):
		t.Fatal("no change event")
	}
	select {
	case ev := <-events:
		assert.Equal(t, "typing:on", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast event")
	}

	unsubChanges()

	require.Eventually(t, func() bool {
		var types []models.ClientFrameType
		heartbeat := false
		for _, f := range fake.received() {
			if f.Type == models.ClientFrameHeartbeat {
				heartbeat = true
				continue
			}
			types = append(types, f.Type)
		}
		return heartbeat && assert.ObjectsAreEqual([]models.ClientFrameType{
			models.ClientFrameSubscribeChanges,
			models.ClientFrameSubscribe,
			models.ClientFramePublish,
			models.ClientFrameUnsubscribe,
		}, types)
	}, 2*time.Second, 10*time.Millisecond)

	frames := fake.received()
	for _, f := range frames {
		switch f.Type {
		case models.ClientFrameSubscribeChanges:
			assert.Equal(t, "u2", f.Topic)
		case models.ClientFrameUnsubscribe:
			assert.Equal(t, models.PairTopic("u1", "u2"), f.Topic)
		case models.ClientFramePublish:
			assert.Equal(t, models.EventTyping, f.Event)
		}
	}

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.PublishBroadcast(ctx, "typing:u1:u2", models.EventStoppedTyping, nil), ErrNotConnected)
}
