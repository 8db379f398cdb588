// internal/messaging/handlers.go

package messaging

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"
	"github.com/imadgeboyega/jobchat/internal/auth"
	"github.com/imadgeboyega/jobchat/internal/common/utils"
	"go.uber.org/zap"
)

const maxMultipartMemory = 8 << 20

type Handler struct {
	service       Service
	logger        *zap.Logger
	maxUploadSize int64
}

func NewHandler(service Service, logger *zap.Logger, maxUploadSize int64) *Handler {
	return &Handler{
		service:       service,
		logger:        logger,
		maxUploadSize: maxUploadSize,
	}
}

// Conversations

// GetConversations lists the caller's chats. ?archived=true lists the archive.
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	archived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	conversations, err := h.service.ListConversations(r.Context(), userID, archived, limit, offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, conversations, http.StatusOK)
}

// CreateGroup creates a group or channel
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CreateGroupRequest
	if !decode(w, r, &req) {
		return
	}

	conversation, err := h.service.CreateGroup(r.Context(), userID, &req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, conversation, http.StatusCreated)
}

// GetOrCreateDirectConversation finds or creates the private chat with {userId}
func (h *Handler) GetOrCreateDirectConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	otherID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}

	conversation, err := h.service.FindOrCreatePrivate(r.Context(), userID, otherID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, conversation, http.StatusOK)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	conversation, err := h.service.GetConversation(r.Context(), convID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, conversation, http.StatusOK)
}

// DeleteConversation hides the chat, or deletes it for everyone with ?forEveryone=true
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	forEveryone, _ := strconv.ParseBool(r.URL.Query().Get("forEveryone"))

	if err := h.service.DeleteConversation(r.Context(), convID, userID, forEveryone); err != nil {
		h.respondError(w, err)
		return
	}
	utils.MessageResponse(w, "Conversation deleted", http.StatusOK)
}

func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req ParticipantRequest
	if !decode(w, r, &req) {
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.service.AddParticipant(r.Context(), convID, userID, req.UserID); err != nil {
		h.respondError(w, err)
		return
	}
	utils.MessageResponse(w, "Participant added", http.StatusOK)
}

func (h *Handler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}

	if err := h.service.RemoveParticipant(r.Context(), convID, userID, targetID); err != nil {
		h.respondError(w, err)
		return
	}
	utils.MessageResponse(w, "Participant removed", http.StatusOK)
}

// SetArchived, SetPinned and SetMuted take a FlagRequest body

func (h *Handler) SetArchived(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, func(userID, convID int64, req FlagRequest) error {
		return h.service.SetArchived(r.Context(), convID, userID, req.Enabled)
	})
}

func (h *Handler) SetPinned(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, func(userID, convID int64, req FlagRequest) error {
		return h.service.SetPinned(r.Context(), convID, userID, req.Enabled)
	})
}

func (h *Handler) SetMuted(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, func(userID, convID int64, req FlagRequest) error {
		return h.service.SetMuted(r.Context(), convID, userID, req.Enabled, time.Duration(req.DurationSeconds)*time.Second)
	})
}

func (h *Handler) setFlag(w http.ResponseWriter, r *http.Request, apply func(userID, convID int64, req FlagRequest) error) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req FlagRequest
	if !decode(w, r, &req) {
		return
	}

	if err := apply(userID, convID, req); err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, req, http.StatusOK)
}

// Messages

// GetMessages pages backwards through a chat with ?before={messageId}&limit=
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)

	messages, err := h.service.GetMessages(r.Context(), convID, userID, limit, before)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, messages, http.StatusOK)
}

func (h *Handler) MarkChatRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	count, err := h.service.MarkChatRead(r.Context(), convID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, map[string]int{"updated": count}, http.StatusOK)
}

// SearchMessages searches a chat with ?q=
func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	convID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	messages, err := h.service.Search(r.Context(), convID, userID, r.URL.Query().Get("q"), limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, messages, http.StatusOK)
}

// SendMessage sends a message (REST fallback for the websocket send-message event)
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if !decode(w, r, &req) {
		return
	}

	message, err := h.service.SendMessage(r.Context(), userID, &req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, message, http.StatusCreated)
}

// SendMediaMessage accepts multipart form fields chatId, type, content, replyTo and one or more "files"
func (h *Handler) SendMediaMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	form, ok := h.parseMultipart(w, r)
	if !ok {
		return
	}

	chatID, err := strconv.ParseInt(r.FormValue("chatId"), 10, 64)
	if err != nil {
		utils.ErrorResponse(w, "Invalid chat ID", http.StatusBadRequest)
		return
	}
	req := SendMessageRequest{
		ConversationID: chatID,
		Type:           MessageType(r.FormValue("type")),
		Content:        r.FormValue("content"),
	}
	if v := r.FormValue("replyTo"); v != "" {
		replyTo, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			utils.ErrorResponse(w, "Invalid reply ID", http.StatusBadRequest)
			return
		}
		req.ReplyToID = &replyTo
	}

	uploads, closeAll, err := openUploads(form.File["files"])
	defer closeAll()
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	message, err := h.service.SendMediaMessage(r.Context(), userID, &req, uploads)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, message, http.StatusCreated)
}

// UploadMedia stores a single "file" and returns its media descriptor
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	form, ok := h.parseMultipart(w, r)
	if !ok {
		return
	}

	uploads, closeAll, err := openUploads(form.File["file"])
	defer closeAll()
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(uploads) != 1 {
		utils.ErrorResponse(w, "Exactly one file is required", http.StatusBadRequest)
		return
	}

	media, err := h.service.UploadMedia(r.Context(), userID, uploads[0])
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, media, http.StatusCreated)
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	message, err := h.service.GetMessage(r.Context(), messageID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, message, http.StatusOK)
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req EditMessageRequest
	if !decode(w, r, &req) {
		return
	}

	message, err := h.service.EditMessage(r.Context(), messageID, userID, req.Content)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, message, http.StatusOK)
}

// DeleteMessage deletes for the caller, or for everyone with ?forEveryone=true
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	forEveryone, _ := strconv.ParseBool(r.URL.Query().Get("forEveryone"))

	if err := h.service.DeleteMessage(r.Context(), messageID, userID, forEveryone); err != nil {
		h.respondError(w, err)
		return
	}
	utils.MessageResponse(w, "Message deleted", http.StatusOK)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	message, err := h.service.MarkRead(r.Context(), messageID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, message, http.StatusOK)
}

func (h *Handler) AddReaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req ReactionRequest
	if !decode(w, r, &req) {
		return
	}

	reactions, err := h.service.React(r.Context(), messageID, userID, req.Emoji)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, reactions, http.StatusOK)
}

func (h *Handler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	reactions, err := h.service.Unreact(r.Context(), messageID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, reactions, http.StatusOK)
}

func (h *Handler) ForwardMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req ForwardRequest
	if !decode(w, r, &req) {
		return
	}

	messages, err := h.service.Forward(r.Context(), messageID, userID, req.ChatIDs)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, messages, http.StatusCreated)
}

func (h *Handler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	summary, err := h.service.UnreadCount(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	utils.SuccessResponse(w, summary, http.StatusOK)
}

// Push tokens

func (h *Handler) RegisterPushToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req PushTokenRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.service.RegisterPushToken(r.Context(), userID, &req); err != nil {
		h.respondError(w, err)
		return
	}
	utils.MessageResponse(w, "Push token registered", http.StatusOK)
}

func (h *Handler) UnregisterPushToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.service.UnregisterPushToken(r.Context(), userID, mux.Vars(r)["token"]); err != nil {
		h.respondError(w, err)
		return
	}
	utils.MessageResponse(w, "Push token removed", http.StatusOK)
}

// Helpers

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	return userID, true
}

// respondError maps an error kind to its HTTP status
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		utils.CodedErrorResponse(w, "not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		utils.CodedErrorResponse(w, "forbidden", err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrInvalidArgument):
		utils.CodedErrorResponse(w, "invalid_argument", err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrUpstreamFailure):
		h.logger.Warn("upstream failure", zap.Error(err))
		utils.CodedErrorResponse(w, "upstream_failure", "Media storage is unavailable", http.StatusBadGateway)
	default:
		h.logger.Error("request failed", zap.Error(err))
		utils.CodedErrorResponse(w, "internal", "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) (*multipart.Form, bool) {
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+maxMultipartMemory)
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		utils.ErrorResponse(w, "Invalid multipart form", http.StatusBadRequest)
		return nil, false
	}
	return r.MultipartForm, true
}

// openUploads opens each file and sniffs its content type when the client did not send a useful one
func openUploads(headers []*multipart.FileHeader) ([]*Upload, func(), error) {
	var files []multipart.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	uploads := make([]*Upload, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			return nil, closeAll, err
		}
		files = append(files, file)

		contentType := header.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			detected, err := mimetype.DetectReader(file)
			if err != nil {
				return nil, closeAll, err
			}
			contentType = detected.String()
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return nil, closeAll, err
			}
		}

		uploads = append(uploads, &Upload{
			Body:     file,
			FileName: header.Filename,
			MimeType: strings.TrimSpace(strings.Split(contentType, ";")[0]),
			Size:     header.Size,
		})
	}
	return uploads, closeAll, nil
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		utils.ErrorResponse(w, "Invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return false
	}
	return true
}
