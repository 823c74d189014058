package memory

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Cerberus-Core/internal/errors"
)

// RedisConfig 描述 Redis 记忆存储的连接参数。
type RedisConfig struct {
	Address    string
	Password   string
	DB         int
	Prefix     string
	MaxRetries int
}

// RedisStore 将每个作用域保存为一个 hash，字段为记忆键。
// Update 通过 WATCH/MULTI 乐观事务保证单键原子。
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	now        func() time.Time
}

type redisEnvelope struct {
	Value     []byte `json:"value"`
	UpdatedAt int64  `json:"updated_at"`
}

// NewRedisStore 连接 Redis 并返回存储实例。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return newRedisStore(client, cfg), nil
}

func newRedisStore(client *redis.Client, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cerberus:memory:"
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 16
	}
	return &RedisStore{client: client, prefix: prefix, maxRetries: retries, now: time.Now}
}

func (s *RedisStore) hashKey(scope Scope) string {
	return s.prefix + scope.String()
}

// Get 实现 Store 接口。
func (s *RedisStore) Get(ctx context.Context, scope Scope, key string) (Entry, bool, error) {
	if err := validate(scope, key); err != nil {
		return Entry{}, false, err
	}
	raw, err := s.client.HGet(ctx, s.hashKey(scope), key).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 记忆失败")
	}
	entry, err := decodeEnvelope(scope, key, raw)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Put 实现 Store 接口。
func (s *RedisStore) Put(ctx context.Context, scope Scope, key string, value []byte) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	data, err := s.encode(value)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.hashKey(scope), key, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 记忆失败")
	}
	return nil
}

// Update 使用 WATCH 监视作用域 hash，冲突时重试。
func (s *RedisStore) Update(ctx context.Context, scope Scope, key string, fn UpdateFunc) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	hkey := s.hashKey(scope)
	txn := func(tx *redis.Tx) error {
		var current []byte
		found := false
		raw, err := tx.HGet(ctx, hkey, key).Bytes()
		switch {
		case stdErrors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			entry, decodeErr := decodeEnvelope(scope, key, raw)
			if decodeErr != nil {
				return decodeErr
			}
			current, found = entry.Value, true
		}
		next, err := fn(current, found)
		if err != nil {
			return err
		}
		data, err := s.encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, key, data)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txn, hkey)
		if err == nil {
			return nil
		}
		if stdErrors.Is(err, ErrSkipWrite) {
			return nil
		}
		if stdErrors.Is(err, redis.TxFailedErr) {
			continue
		}
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 Redis 记忆失败")
	}
	return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("记忆 %s#%s 并发冲突，重试 %d 次后放弃", scope, key, s.maxRetries))
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) encode(value []byte) ([]byte, error) {
	data, err := json.Marshal(redisEnvelope{Value: value, UpdatedAt: s.now().UnixMilli()})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 Redis 记忆失败")
	}
	return data, nil
}

func decodeEnvelope(scope Scope, key string, raw []byte) (Entry, error) {
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 Redis 记忆失败")
	}
	return Entry{
		Scope:     scope,
		Key:       key,
		Value:     env.Value,
		UpdatedAt: time.UnixMilli(env.UpdatedAt),
	}, nil
}

var _ Store = (*RedisStore)(nil)
