package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"offgrid/internal/api"
	"offgrid/internal/conversation"
	"offgrid/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.Equal(t, "/admin/users", r.URL.Path) || !assert.Equal(t, http.MethodPost, r.Method) {
			http.Error(w, "unexpected request", http.StatusNotFound)
			return
		}
		var req api.AddUserRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Username == "taken" {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(api.AddUserResponse{Message: "user already exists"})
			return
		}
		_ = json.NewEncoder(w).Encode(api.AddUserResponse{
			Success:           true,
			Username:          req.Username,
			RegistrationToken: "tok-" + req.DisplayName,
			SetupLink:         api.SetupLink("http://chat.example", "tok"),
		})
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")

	t.Run("Created", func(t *testing.T) {
		resp, err := addUser(context.Background(), addr, "alice", "Alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", resp.Username)
		assert.Equal(t, "tok-Alice", resp.RegistrationToken)
		assert.Equal(t, "http://chat.example/register?token=tok", resp.SetupLink)
	})

	t.Run("Rejected", func(t *testing.T) {
		_, err := addUser(context.Background(), addr, "taken", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "409")
		assert.Contains(t, err.Error(), "user already exists")
	})
}

func TestKeysCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"gen-vapid-keys", "--log-level", "silent"})

	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "VAPID_PUBLIC_KEY="))
	assert.True(t, strings.HasPrefix(lines[1], "VAPID_PRIVATE_KEY="))
	assert.Greater(t, len(lines[0]), len("VAPID_PUBLIC_KEY="))
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", short("temp-abc"))
	assert.Equal(t, "12345678", short("1234567890ab"))
}

func TestLineEditor(t *testing.T) {
	var echo bytes.Buffer
	keystrokes := 0
	ed := &lineEditor{echo: &echo, keystroke: func() { keystrokes++ }}

	feed := func(keys string) (lines []string, quit bool) {
		for _, r := range keys {
			line, done, q := ed.feed(r)
			if q {
				return lines, true
			}
			if done {
				lines = append(lines, line)
			}
		}
		return lines, false
	}

	t.Run("KeystrokePerKey", func(t *testing.T) {
		lines, quit := feed("héllo")
		assert.False(t, quit)
		assert.Empty(t, lines)
		assert.Equal(t, 5, keystrokes)
		assert.Equal(t, "héllo", echo.String())
	})

	t.Run("EnterSubmits", func(t *testing.T) {
		lines, _ := feed("\r")
		assert.Equal(t, []string{"héllo"}, lines)
		assert.Empty(t, ed.buf)
		assert.True(t, strings.HasSuffix(echo.String(), "\r\n"))
	})

	t.Run("Backspace", func(t *testing.T) {
		keystrokes = 0
		lines, _ := feed("\x7fhix\x7f\x7fyo\n")
		assert.Equal(t, []string{"hyo"}, lines)
		assert.Equal(t, 5, keystrokes)
	})

	t.Run("ControlKeysIgnored", func(t *testing.T) {
		keystrokes = 0
		lines, quit := feed("\x1bok\t\r")
		assert.False(t, quit)
		assert.Equal(t, []string{"ok"}, lines)
		assert.Equal(t, 2, keystrokes)
	})

	t.Run("Quit", func(t *testing.T) {
		_, quit := feed("\x04")
		assert.True(t, quit)

		_, quit = feed("typed\x04")
		assert.False(t, quit)
		_, quit = feed("\x03")
		assert.True(t, quit)
	})
}

type fakeSession struct {
	mu      sync.Mutex
	texts   []string
	retries []string
	files   []conversation.File
	err     error
}

func (f *fakeSession) SendText(ctx context.Context, text string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return models.Message{Content: text}, f.err
}

func (f *fakeSession) SendAttachment(ctx context.Context, file conversation.File) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, file)
	return models.Message{}, f.err
}

func (f *fakeSession) Retry(ctx context.Context, id string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, id)
	return models.Message{}, f.err
}

func TestChatLoop(t *testing.T) {
	ctx := context.Background()

	t.Run("RawKeys", func(t *testing.T) {
		var keystrokes atomic.Int32
		in := bufio.NewReader(strings.NewReader("hi\r/retry temp-1\r/quit\r"))
		lines := readKeys(ctx, in, &lineEditor{keystroke: func() { keystrokes.Add(1) }})

		sess := &fakeSession{}
		var errOut bytes.Buffer
		require.NoError(t, chatLoop(ctx, sess, lines, &errOut))

		assert.Equal(t, []string{"hi"}, sess.texts)
		assert.Equal(t, []string{"temp-1"}, sess.retries)
		assert.Equal(t, int32(len("hi/retry temp-1/quit")), keystrokes.Load())
		assert.Empty(t, errOut.String())
	})

	t.Run("Lines", func(t *testing.T) {
		in := bufio.NewReader(strings.NewReader("first\n\nsecond\r\n"))
		sess := &fakeSession{}
		require.NoError(t, chatLoop(ctx, sess, readLines(ctx, in), &bytes.Buffer{}))
		assert.Equal(t, []string{"first", "second"}, sess.texts)
	})

	t.Run("Errors", func(t *testing.T) {
		in := bufio.NewReader(strings.NewReader("failed\n/file /does/not/exist\n"))
		sess := &fakeSession{err: conversation.ErrSendFailed}
		var errOut bytes.Buffer
		require.NoError(t, chatLoop(ctx, sess, readLines(ctx, in), &errOut))

		assert.Equal(t, []string{"failed"}, sess.texts)
		assert.Empty(t, sess.files)
		assert.Equal(t, 1, strings.Count(errOut.String(), "error:"))
	})

	t.Run("OtherErrors", func(t *testing.T) {
		in := bufio.NewReader(strings.NewReader("hi\n"))
		sess := &fakeSession{err: errors.New("boom")}
		var errOut bytes.Buffer
		require.NoError(t, chatLoop(ctx, sess, readLines(ctx, in), &errOut))
		assert.Contains(t, errOut.String(), "error: boom")
	})
}

func TestCRLFWriter(t *testing.T) {
	var out bytes.Buffer
	n, err := crlfWriter{&out}.Write([]byte("a\nb\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "a\r\nb\r\n", out.String())
}
