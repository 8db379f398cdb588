// internal/messaging/routes.go

package messaging

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes registers all messaging routes under /api/v1 behind authenticate
func RegisterRoutes(router *mux.Router, handler *Handler, authenticate mux.MiddlewareFunc) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(authenticate)

	// Conversation endpoints
	api.HandleFunc("/conversations", handler.GetConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", handler.CreateGroup).Methods(http.MethodPost)
	api.HandleFunc("/conversations/direct/{userId:[0-9]+}", handler.GetOrCreateDirectConversation).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/conversations/{id:[0-9]+}", handler.GetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id:[0-9]+}", handler.DeleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id:[0-9]+}/participants", handler.AddParticipant).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id:[0-9]+}/participants/{userId:[0-9]+}", handler.RemoveParticipant).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id:[0-9]+}/archive", handler.SetArchived).Methods(http.MethodPut)
	api.HandleFunc("/conversations/{id:[0-9]+}/pin", handler.SetPinned).Methods(http.MethodPut)
	api.HandleFunc("/conversations/{id:[0-9]+}/mute", handler.SetMuted).Methods(http.MethodPut)
	api.HandleFunc("/conversations/{id:[0-9]+}/messages", handler.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id:[0-9]+}/read", handler.MarkChatRead).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id:[0-9]+}/search", handler.SearchMessages).Methods(http.MethodGet)

	// Message endpoints
	api.HandleFunc("/messages", handler.SendMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages/media", handler.SendMediaMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages/unread", handler.GetUnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id:[0-9]+}", handler.GetMessage).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id:[0-9]+}", handler.EditMessage).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/messages/{id:[0-9]+}", handler.DeleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id:[0-9]+}/read", handler.MarkRead).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id:[0-9]+}/reactions", handler.AddReaction).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id:[0-9]+}/reactions", handler.RemoveReaction).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id:[0-9]+}/forward", handler.ForwardMessage).Methods(http.MethodPost)

	// Media upload endpoint
	api.HandleFunc("/media", handler.UploadMedia).Methods(http.MethodPost)

	// Push token endpoints
	api.HandleFunc("/push-tokens", handler.RegisterPushToken).Methods(http.MethodPost)
	api.HandleFunc("/push-tokens/{token}", handler.UnregisterPushToken).Methods(http.MethodDelete)
}
