// internal/messaging/notifications.go

package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	fcm "firebase.google.com/go/v4/messaging"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type PushService interface {
	SendNotification(ctx context.Context, userID int64, notification *PushNotification) error
}

type PushNotification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	ImageURL string            `json:"imageUrl,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	Badge    int               `json:"badge,omitempty"`
	Sound    string            `json:"sound,omitempty"`
}

// PushToken is a device registration for push delivery
type PushToken struct {
	Token     string    `json:"token" db:"token"`
	UserID    int64     `json:"userId" db:"user_id"`
	Platform  string    `json:"platform" db:"platform"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type PushTokenRequest struct {
	Token    string `json:"token" validate:"required,max=4096"`
	Platform string `json:"platform" validate:"required,oneof=ios android web"`
}

// TokenStore keeps device push tokens per user
type TokenStore interface {
	Save(ctx context.Context, token *PushToken) error
	Delete(ctx context.Context, token string) error
	ForUser(ctx context.Context, userID int64) ([]*PushToken, error)
}

// Postgres token store

type postgresTokenStore struct {
	db *sqlx.DB
}

func NewPostgresTokenStore(db *sqlx.DB) TokenStore {
	return &postgresTokenStore{db: db}
}

func (s *postgresTokenStore) Save(ctx context.Context, token *PushToken) error {
	query := `
		INSERT INTO push_tokens (token, user_id, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform
		RETURNING created_at`
	return s.db.QueryRowxContext(ctx, query, token.Token, token.UserID, token.Platform).Scan(&token.CreatedAt)
}

func (s *postgresTokenStore) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = $1`, token)
	return err
}

func (s *postgresTokenStore) ForUser(ctx context.Context, userID int64) ([]*PushToken, error) {
	tokens := []*PushToken{}
	err := s.db.SelectContext(ctx, &tokens,
		`SELECT token, user_id, platform, created_at FROM push_tokens WHERE user_id = $1`, userID)
	return tokens, err
}

// In-memory token store

type memoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*PushToken
}

func NewMemoryTokenStore() TokenStore {
	return &memoryTokenStore{tokens: make(map[string]*PushToken)}
}

func (s *memoryTokenStore) Save(ctx context.Context, token *PushToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token.CreatedAt = time.Now()
	cp := *token
	s.tokens[token.Token] = &cp
	return nil
}

func (s *memoryTokenStore) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

func (s *memoryTokenStore) ForUser(ctx context.Context, userID int64) ([]*PushToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PushToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// FCM push

type fcmPushService struct {
	client *fcm.Client
	tokens TokenStore
	logger *zap.Logger
}

// NewFCMPushService creates a push service backed by Firebase Cloud Messaging
func NewFCMPushService(ctx context.Context, credentialsPath string, tokens TokenStore, logger *zap.Logger) (PushService, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	return &fcmPushService{client: client, tokens: tokens, logger: logger}, nil
}

// SendNotification sends to every device of the user. Unregistered tokens are dropped.
func (s *fcmPushService) SendNotification(ctx context.Context, userID int64, notification *PushNotification) error {
	tokens, err := s.tokens.ForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user tokens: %w", err)
	}

	for _, token := range tokens {
		message := buildFCMMessage(token, notification)

		if _, err := s.client.Send(ctx, message); err != nil {
			s.logger.Warn("push send failed", zap.Int64("user_id", userID), zap.String("platform", token.Platform), zap.Error(err))
			pushSent.WithLabelValues("failed").Inc()

			if fcm.IsRegistrationTokenNotRegistered(err) {
				if err := s.tokens.Delete(ctx, token.Token); err != nil {
					s.logger.Warn("failed to drop stale push token", zap.Error(err))
				}
			}
			continue
		}
		pushSent.WithLabelValues("sent").Inc()
	}

	return nil
}

func buildFCMMessage(token *PushToken, notification *PushNotification) *fcm.Message {
	message := &fcm.Message{
		Token: token.Token,
		Notification: &fcm.Notification{
			Title:    notification.Title,
			Body:     notification.Body,
			ImageURL: notification.ImageURL,
		},
		Data: notification.Data,
	}

	switch token.Platform {
	case "ios":
		badge := notification.Badge
		message.APNS = &fcm.APNSConfig{
			Payload: &fcm.APNSPayload{
				Aps: &fcm.Aps{
					Badge: &badge,
					Sound: notification.Sound,
				},
			},
		}
	case "android":
		message.Android = &fcm.AndroidConfig{
			Priority: "high",
			Notification: &fcm.AndroidNotification{
				Sound:    notification.Sound,
				Priority: fcm.PriorityHigh,
			},
		}
	}
	return message
}

// logPushService is used when Firebase is not configured
type logPushService struct {
	logger *zap.Logger
}

func NewLogPushService(logger *zap.Logger) PushService {
	return &logPushService{logger: logger}
}

func (m *logPushService) SendNotification(ctx context.Context, userID int64, notification *PushNotification) error {
	m.logger.Debug("push notification",
		zap.Int64("user_id", userID),
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
	)
	return nil
}
