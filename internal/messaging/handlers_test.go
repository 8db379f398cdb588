package messaging

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imadgeboyega/jobchat/internal/auth"
	"github.com/imadgeboyega/jobchat/internal/common/utils"
)

const testSecret = "handler-secret"

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func newTestRouter(t *testing.T) (*mux.Router, *testEnv) {
	t.Helper()
	env := newTestService(t)
	router := mux.NewRouter()
	RegisterRoutes(router, NewHandler(env.svc, zap.NewNop(), 1<<20), auth.NewMiddleware(testSecret).Authenticate)
	return router, env
}

func bearer(t *testing.T, userID int64) string {
	t.Helper()
	token, err := utils.GenerateJWT(&utils.JWTClaims{
		UserID:    userID,
		Role:      "candidate",
		Type:      "access",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		IssuedAt:  time.Now().Unix(),
	}, testSecret)
	require.NoError(t, err)
	return "Bearer " + token
}

func do(t *testing.T, router http.Handler, userID int64, method, path string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set("Authorization", bearer(t, userID))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp apiResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func multipartRequest(t *testing.T, userID int64, path, field string, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for name, data := range files {
		part, err := w.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", bearer(t, userID))
	return req
}

func TestHandlersRequireAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, _ := do(t, router, 0, http.MethodGet, "/api/v1/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConversationEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, resp := do(t, router, 1, http.MethodPost, "/api/v1/conversations", CreateGroupRequest{Name: "Hiring", ParticipantIDs: []int64{2, 3}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var group Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &group))
	assert.Equal(t, ConversationGroup, group.Type)

	groupPath := "/api/v1/conversations/" + strconv.FormatInt(group.ID, 10)

	rec, resp = do(t, router, 4, http.MethodGet, groupPath, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", resp.Code)

	rec, resp = do(t, router, 1, http.MethodGet, "/api/v1/conversations/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", resp.Code)

	rec, _ = do(t, router, 2, http.MethodPost, groupPath+"/participants", ParticipantRequest{UserID: 4})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, router, 1, http.MethodPost, groupPath+"/participants", ParticipantRequest{UserID: 4})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, router, 1, http.MethodPut, groupPath+"/pin", FlagRequest{Enabled: true})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = do(t, router, 1, http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].Participant(1).IsPinned)

	rec, resp = do(t, router, 1, http.MethodPost, "/api/v1/conversations/direct/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var direct Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &direct))
	assert.Equal(t, ConversationPrivate, direct.Type)

	rec, _ = do(t, router, 1, http.MethodPost, "/api/v1/conversations", map[string]interface{}{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageEndpoints(t *testing.T) {
	router, env := newTestRouter(t)
	conv := env.privateChat(t, 1, 2)

	rec, resp := do(t, router, 1, http.MethodPost, "/api/v1/messages", SendMessageRequest{ConversationID: conv.ID, Content: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var msg Message
	require.NoError(t, json.Unmarshal(resp.Data, &msg))
	assert.Equal(t, "hello", msg.Content)

	msgPath := "/api/v1/messages/" + strconv.FormatInt(msg.ID, 10)

	rec, _ = do(t, router, 3, http.MethodPost, "/api/v1/messages", SendMessageRequest{ConversationID: conv.ID, Content: "intrude"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, router, 1, http.MethodPost, "/api/v1/messages", SendMessageRequest{ConversationID: conv.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, 2, http.MethodPut, msgPath, EditMessageRequest{Content: "edited"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, router, 1, http.MethodPatch, msgPath, EditMessageRequest{Content: "edited"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, router, 2, http.MethodPost, msgPath+"/reactions", ReactionRequest{Emoji: "🎉"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = do(t, router, 2, http.MethodPost, msgPath+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &msg))
	assert.Equal(t, StatusRead, msg.Status)

	rec, resp = do(t, router, 2, http.MethodGet, "/api/v1/messages/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary UnreadSummary
	require.NoError(t, json.Unmarshal(resp.Data, &summary))
	assert.Zero(t, summary.Total)

	rec, _ = do(t, router, 2, http.MethodDelete, msgPath+"?forEveryone=true", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, router, 1, http.MethodDelete, msgPath+"?forEveryone=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, router, 2, http.MethodGet, msgPath, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMediaEndpoints(t *testing.T) {
	t.Run("send media sniffs the content type", func(t *testing.T) {
		router, env := newTestRouter(t)
		conv := env.privateChat(t, 1, 2)

		req := multipartRequest(t, 1, "/api/v1/messages/media", "files",
			map[string]string{"chatId": strconv.FormatInt(conv.ID, 10), "content": "photo"},
			map[string][]byte{"pic.png": pngHeader})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var resp apiResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		var msg Message
		require.NoError(t, json.Unmarshal(resp.Data, &msg))
		assert.Equal(t, MessageImage, msg.Type)
		require.Len(t, msg.Media, 1)
		assert.Equal(t, "image/png", msg.Media[0].MimeType)
	})

	t.Run("upload failure is a bad gateway", func(t *testing.T) {
		router, env := newTestRouter(t)
		conv := env.privateChat(t, 1, 2)
		env.blobs.failOn = 1

		req := multipartRequest(t, 1, "/api/v1/messages/media", "files",
			map[string]string{"chatId": strconv.FormatInt(conv.ID, 10)},
			map[string][]byte{"pic.png": pngHeader})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Zero(t, env.relay.count())
	})

	t.Run("standalone upload", func(t *testing.T) {
		router, _ := newTestRouter(t)

		req := multipartRequest(t, 1, "/api/v1/media", "file", nil, map[string][]byte{"notes.txt": []byte("plain text notes")})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var resp apiResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		var media Media
		require.NoError(t, json.Unmarshal(resp.Data, &media))
		assert.Equal(t, MessageFile, media.Type)
	})

	t.Run("chat id is required", func(t *testing.T) {
		router, _ := newTestRouter(t)

		req := multipartRequest(t, 1, "/api/v1/messages/media", "files", nil, map[string][]byte{"pic.png": pngHeader})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
