// Package cache は推薦一覧（上位N冊）の読み取りキャッシュを提供する。
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"

	"github.com/hitoshi/readtrack/internal/model"
)

// KeyPrefix は推薦一覧キャッシュのキー接頭辞。キーは readtrack:top:<generation>:<n>。
const KeyPrefix = "readtrack:top:"

// generationKey は現在の世代番号を保持するキー。Invalidateで1つ進める。
const generationKey = KeyPrefix + "gen"

// RecommendationCache は上位N冊の集計ビューのキャッシュ。
//
// 値は世代ごとに保存する。GetTopで得た世代をSetTopに渡すことで、
// 読み取り中にInvalidateされた場合の古い結果は新しい世代から見えなくなる。
type RecommendationCache interface {
	// GetTop は現在の世代とn冊分のキャッシュを返す。見つからない場合はok=false。
	GetTop(ctx context.Context, n int) (views []model.BookAggregateView, generation int64, ok bool, err error)
	// SetTop はGetTopで得た世代にn冊分の結果を保存する。
	SetTop(ctx context.Context, generation int64, n int, views []model.BookAggregateView) error
	// Invalidate は世代を進め、既存の推薦一覧キャッシュをすべて無効にする。
	Invalidate(ctx context.Context) error
}

// NewRedisClient はREDIS_URL形式のURLからクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisRecommendationCache はRedisを使用した推薦一覧キャッシュ。
type RedisRecommendationCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRecommendationCache はRedisRecommendationCacheを生成する。
func NewRedisRecommendationCache(client *redis.Client, ttl time.Duration) *RedisRecommendationCache {
	return &RedisRecommendationCache{client: client, ttl: ttl}
}

func topKey(generation int64, n int) string {
	return fmt.Sprintf("%s%d:%d", KeyPrefix, generation, n)
}

func (c *RedisRecommendationCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get recommendation cache generation: %w", err)
	}
	return gen, nil
}

// GetTop は現在の世代のキャッシュ済み一覧を返す。
func (c *RedisRecommendationCache) GetTop(ctx context.Context, n int) ([]model.BookAggregateView, int64, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, 0, false, err
	}

	data, err := c.client.Get(ctx, topKey(gen, n)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, gen, false, fmt.Errorf("failed to get recommendation cache: %w", err)
	}

	var views []model.BookAggregateView
	if err := json.Unmarshal(data, &views); err != nil {
		// 壊れた値はミス扱い
		return nil, gen, false, nil
	}
	return views, gen, true, nil
}

// SetTop は一覧を指定の世代にTTL付きで保存する。
// 世代が既に進んでいれば書き込んだ値は読まれず、TTLで消える。
func (c *RedisRecommendationCache) SetTop(ctx context.Context, generation int64, n int, views []model.BookAggregateView) error {
	data, err := json.Marshal(views)
	if err != nil {
		return fmt.Errorf("failed to encode recommendation cache: %w", err)
	}
	if err := c.client.Set(ctx, topKey(generation, n), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set recommendation cache: %w", err)
	}
	return nil
}

// Invalidate は世代番号をINCRで進める。古い世代のキーはTTLで消える。
func (c *RedisRecommendationCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("failed to advance recommendation cache generation: %w", err)
	}
	return nil
}

// NoopCache はREDIS_URL未設定時に使う、何も保存しないキャッシュ。
type NoopCache struct{}

func (NoopCache) GetTop(ctx context.Context, n int) ([]model.BookAggregateView, int64, bool, error) {
	return nil, 0, false, nil
}

func (NoopCache) SetTop(ctx context.Context, generation int64, n int, views []model.BookAggregateView) error {
	return nil
}

func (NoopCache) Invalidate(ctx context.Context) error {
	return nil
}

var (
	_ RecommendationCache = (*RedisRecommendationCache)(nil)
	_ RecommendationCache = NoopCache{}
)
