// Package cache provides the optional Redis backend for the development
// gateway: presence keys with TTL, typing sets, and pub/sub fanout so
// multiple gateway instances see each other's traffic. The gateway degrades
// to purely in-memory operation when Redis is not configured.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tullo/realtime/internal/realtime"
)

const (
	channelMessages = "messages"
	channelPresence = "presence"
	channelTyping   = "typing"

	onlineTTL  = 5 * time.Minute
	offlineTTL = 24 * time.Hour
)

type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{
		client: client,
		ctx:    ctx,
	}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Presence Management

// SetUserOnline marks a user online; the key expires unless the session's
// presence refreshes keep it alive.
func (r *RedisClient) SetUserOnline(userID uuid.UUID) error {
	return r.setPresence(realtime.PresencePayload{
		UserID: userID,
		Status: realtime.StatusOnline,
	}, onlineTTL)
}

// SetUserOffline marks a user offline with the current time as last seen.
func (r *RedisClient) SetUserOffline(userID uuid.UUID) error {
	now := time.Now()
	return r.setPresence(realtime.PresencePayload{
		UserID:   userID,
		Status:   realtime.StatusOffline,
		LastSeen: &now,
	}, offlineTTL)
}

// RefreshUserOnline extends the online TTL in response to a presence
// refresh heartbeat.
func (r *RedisClient) RefreshUserOnline(userID uuid.UUID) error {
	return r.SetUserOnline(userID)
}

func (r *RedisClient) setPresence(presence realtime.PresencePayload, ttl time.Duration) error {
	key := fmt.Sprintf("presence:user:%s", presence.UserID.String())
	data, err := json.Marshal(presence)
	if err != nil {
		return err
	}
	return r.client.Set(r.ctx, key, data, ttl).Err()
}

// GetUserPresence gets a user's presence; a user with no key is offline.
func (r *RedisClient) GetUserPresence(userID uuid.UUID) (*realtime.PresencePayload, error) {
	key := fmt.Sprintf("presence:user:%s", userID.String())
	data, err := r.client.Get(r.ctx, key).Result()
	if err == redis.Nil {
		return &realtime.PresencePayload{
			UserID: userID,
			Status: realtime.StatusOffline,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	var presence realtime.PresencePayload
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, err
	}

	return &presence, nil
}

// Typing Indicators

// SetTyping sets a user as typing in a conversation
func (r *RedisClient) SetTyping(conversationID, userID uuid.UUID) error {
	key := fmt.Sprintf("typing:%s", conversationID.String())
	return r.client.SAdd(r.ctx, key, userID.String()).Err()
}

// RemoveTyping removes a user from typing in a conversation
func (r *RedisClient) RemoveTyping(conversationID, userID uuid.UUID) error {
	key := fmt.Sprintf("typing:%s", conversationID.String())
	return r.client.SRem(r.ctx, key, userID.String()).Err()
}

// GetTypingUsers gets all users typing in a conversation
func (r *RedisClient) GetTypingUsers(conversationID uuid.UUID) ([]uuid.UUID, error) {
	key := fmt.Sprintf("typing:%s", conversationID.String())
	members, err := r.client.SMembers(r.ctx, key).Result()
	if err != nil {
		return nil, err
	}

	userIDs := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		userID, err := uuid.Parse(member)
		if err != nil {
			continue
		}
		userIDs = append(userIDs, userID)
	}

	return userIDs, nil
}

// Pub/Sub

// PublishMessage publishes a wire envelope to the messages channel
func (r *RedisClient) PublishMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	return r.client.Publish(r.ctx, channelMessages, data).Err()
}

// SubscribeToMessages subscribes to the messages channel
func (r *RedisClient) SubscribeToMessages() *redis.PubSub {
	return r.client.Subscribe(r.ctx, channelMessages)
}

// PublishPresence publishes a presence update
func (r *RedisClient) PublishPresence(presence realtime.PresencePayload) error {
	data, err := json.Marshal(presence)
	if err != nil {
		return err
	}

	return r.client.Publish(r.ctx, channelPresence, data).Err()
}

// SubscribeToPresence subscribes to presence updates
func (r *RedisClient) SubscribeToPresence() *redis.PubSub {
	return r.client.Subscribe(r.ctx, channelPresence)
}

// PublishTyping publishes a typing indicator
func (r *RedisClient) PublishTyping(typing realtime.TypingPayload) error {
	data, err := json.Marshal(typing)
	if err != nil {
		return err
	}

	return r.client.Publish(r.ctx, channelTyping, data).Err()
}

// SubscribeToTyping subscribes to typing indicators
func (r *RedisClient) SubscribeToTyping() *redis.PubSub {
	return r.client.Subscribe(r.ctx, channelTyping)
}
