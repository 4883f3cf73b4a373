package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CachedContext is the compressed context of a conversation.
type CachedContext struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Summary        string    `json:"summary"`
	SourceMessages int       `json:"source_messages"`
	SourceTokens   int       `json:"source_tokens"`
	ModelID        string    `json:"model_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ContextCache stores one compressed context per conversation. Set
// overwrites; concurrent writers for the same conversation race and the
// last one wins.
type ContextCache interface {
	Name() string
	// Get returns nil without error when nothing is cached.
	Get(ctx context.Context, conversationID string) (*CachedContext, error)
	Set(ctx context.Context, entry *CachedContext) error
}

const contextKeyPrefix = "ctx:summary:"

// RedisContextCache keeps entries in Redis with a TTL.
type RedisContextCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisContextCache(client *redis.Client, ttl time.Duration) *RedisContextCache {
	return &RedisContextCache{client: client, ttl: ttl}
}

func contextKey(conversationID string) string {
	return contextKeyPrefix + conversationID
}

func (c *RedisContextCache) Name() string { return "redis" }

func (c *RedisContextCache) Get(ctx context.Context, conversationID string) (*CachedContext, error) {
	start := time.Now()
	data, err := c.client.Get(ctx, contextKey(conversationID)).Bytes()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get context: %w", err)
	}
	var entry CachedContext
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cached context: %w", err)
	}
	return &entry, nil
}

func (c *RedisContextCache) Set(ctx context.Context, entry *CachedContext) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cached context: %w", err)
	}
	start := time.Now()
	err = c.client.Set(ctx, contextKey(entry.ConversationID), data, c.ttl).Err()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis set context: %w", err)
	}
	return nil
}

// SQLContextCache keeps entries in the conversation_snapshots table.
type SQLContextCache struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewSQLContextCache(database *gorm.DB, ttl time.Duration) *SQLContextCache {
	return &SQLContextCache{db: database, ttl: ttl, now: time.Now}
}

func (c *SQLContextCache) Name() string { return "sql" }

func (c *SQLContextCache) Get(ctx context.Context, conversationID string) (*CachedContext, error) {
	var snap db.ConversationSnapshot
	err := c.db.WithContext(ctx).First(&snap, "conversation_id = ?", conversationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !snap.Valid || (!snap.ExpiresAt.IsZero() && !c.now().Before(snap.ExpiresAt)) {
		return nil, nil
	}
	return &CachedContext{
		ConversationID: snap.ConversationID,
		UserID:         snap.UserID,
		Summary:        snap.Summary,
		SourceMessages: snap.SourceMessages,
		SourceTokens:   snap.SourceTokens,
		ModelID:        snap.ModelID,
		CreatedAt:      snap.UpdatedAt,
	}, nil
}

func (c *SQLContextCache) Set(ctx context.Context, entry *CachedContext) error {
	now := c.now()
	snap := db.ConversationSnapshot{
		ConversationID: entry.ConversationID,
		UserID:         entry.UserID,
		Summary:        entry.Summary,
		SourceMessages: entry.SourceMessages,
		SourceTokens:   entry.SourceTokens,
		ModelID:        entry.ModelID,
		Valid:          true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.ttl > 0 {
		snap.ExpiresAt = now.Add(c.ttl)
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "summary", "source_messages", "source_tokens", "model_id", "valid", "expires_at", "updated_at",
		}),
	}).Create(&snap).Error
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
