package msfrpc

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sarnowski/msfailab/internal/common/logger"
)

// newTestServer decodes the incoming msgpack request array and dispatches to
// handler, which returns the response map to encode back.
func newTestServer(t *testing.T, handler func(req []interface{}) map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req []interface{}
		dec := msgpack.NewDecoder(r.Body)
		require.NoError(t, dec.Decode(&req))

		resp := handler(req)
		body, err := msgpack.Marshal(resp)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "binary/message-pack")
		_, _ = w.Write(body)
	}))
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	endpoint := strings.TrimPrefix(srv.URL, "http://")
	return NewClient(endpoint, logger.Default())
}

func TestClient_Login(t *testing.T) {
	srv := newTestServer(t, func(req []interface{}) map[string]interface{} {
		require.Equal(t, "auth.login", req[0])
		return map[string]interface{}{"result": "success", "token": "abc123"}
	})
	defer srv.Close()

	c := newTestClient(t, srv)
	token, err := c.Login(t.Context(), "msf", "password")
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)
}

func TestClient_Login_Rejected(t *testing.T) {
	srv := newTestServer(t, func(req []interface{}) map[string]interface{} {
		return map[string]interface{}{"error": true, "error_message": "Invalid Token"}
	})
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Login(t.Context(), "msf", "wrong")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestClient_ConsoleLifecycle(t *testing.T) {
	srv := newTestServer(t, func(req []interface{}) map[string]interface{} {
		method := req[0]
		switch method {
		case "console.create":
			return map[string]interface{}{"id": "1", "prompt": "msf6 > "}
		case "console.write":
			return map[string]interface{}{"wrote": int64(5)}
		case "console.read":
			return map[string]interface{}{"data": "output", "busy": false, "prompt": "msf6 > "}
		case "console.destroy":
			return map[string]interface{}{"result": "success"}
		default:
			t.Fatalf("unexpected method %v", method)
			return nil
		}
	})
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx := t.Context()
	token := "tok"

	info, err := c.ConsoleCreate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "1", info.ID)

	wrote, err := c.ConsoleWrite(ctx, token, info.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, 5, wrote)

	read, err := c.ConsoleRead(ctx, token, info.ID)
	require.NoError(t, err)
	assert.False(t, read.Busy)
	assert.Equal(t, "output", read.Data)

	require.NoError(t, c.ConsoleDestroy(ctx, token, info.ID))
}
