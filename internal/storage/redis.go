package storage

import (
	"context"
	"fmt"
	"time"

	"ats-pipeline-go/internal/config"
	"ats-pipeline-go/internal/constants"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound 键不存在
var ErrNotFound = redis.Nil

// Redis 提供键值存储功能：解析进度缓存、上传去重、重解析互斥锁
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter 创建Redis客户端
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis配置不能为空")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis地址不能为空")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		// 重试设置
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子，记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("为Redis安装OpenTelemetry钩子失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("连接Redis (%s) 失败: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close 关闭Redis连接
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping 检查Redis连接
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	return r.Client.Ping(ctx).Err()
}

// GetMD5ExpireDuration 返回配置的MD5记录过期时间
func (r *Redis) GetMD5ExpireDuration() time.Duration {
	days := r.config.MD5RecordExpireDays
	if days <= 0 {
		days = 365
	}
	return time.Duration(days) * 24 * time.Hour
}

// progressTTL 返回进度缓存条目的过期时间
func (r *Redis) progressTTL() time.Duration {
	minutes := r.config.ProgressTTLMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// SetCandidateProgress 写入候选人解析进度缓存 (HASH)
// 轮询接口优先读该缓存，减少解析期间对MySQL的读压力
func (r *Redis) SetCandidateProgress(ctx context.Context, candidateID, status string, progress int, message string) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	key := fmt.Sprintf(constants.KeyCandidateProgress, candidateID)
	pipe := r.Client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":   status,
		"progress": progress,
		"message":  message,
	})
	pipe.Expire(ctx, key, r.progressTTL())
	_, err := pipe.Exec(ctx)
	return err
}

// GetCandidateProgress 读取候选人解析进度缓存，缓存未命中时返回ErrNotFound
func (r *Redis) GetCandidateProgress(ctx context.Context, candidateID string) (status string, progress int, message string, err error) {
	if r.Client == nil {
		return "", 0, "", fmt.Errorf("redis客户端未初始化")
	}
	key := fmt.Sprintf(constants.KeyCandidateProgress, candidateID)
	values, err := r.Client.HGetAll(ctx, key).Result()
	if err != nil {
		return "", 0, "", err
	}
	if len(values) == 0 {
		return "", 0, "", ErrNotFound
	}
	status = values["status"]
	message = values["message"]
	fmt.Sscanf(values["progress"], "%d", &progress)
	return status, progress, message, nil
}

// CheckAndAddRawFileMD5 原子地检查并登记原始文件MD5，返回该MD5此前是否已存在
func (r *Redis) CheckAndAddRawFileMD5(ctx context.Context, md5Hex string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis客户端未初始化")
	}
	added, err := r.Client.SAdd(ctx, constants.KeyFileMD5Set, md5Hex).Result()
	if err != nil {
		return false, fmt.Errorf("登记文件MD5失败: %w", err)
	}
	// 集合本身保持过期时间，不覆盖已有设置
	r.Client.ExpireNX(ctx, constants.KeyFileMD5Set, r.GetMD5ExpireDuration())
	return added == 0, nil
}

// RemoveRawFileMD5 移除登记的文件MD5，上传落库失败时回滚用
func (r *Redis) RemoveRawFileMD5(ctx context.Context, md5Hex string) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	return r.Client.SRem(ctx, constants.KeyFileMD5Set, md5Hex).Err()
}

// AcquireReparseLock 获取候选人重解析请求的短时互斥锁
// 返回锁持有者标识，获取失败时返回空字符串
func (r *Redis) AcquireReparseLock(ctx context.Context, candidateID string, expiration time.Duration) (string, error) {
	return r.acquireLock(ctx, fmt.Sprintf(constants.KeyReparseLock, candidateID), expiration)
}

// ReleaseReparseLock 释放重解析互斥锁
func (r *Redis) ReleaseReparseLock(ctx context.Context, candidateID string, lockValue string) (bool, error) {
	return r.releaseLock(ctx, fmt.Sprintf(constants.KeyReparseLock, candidateID), lockValue)
}

// AcquireTaskLock 获取候选人解析任务的处理锁
// 锁存续期间同一候选人的重复投递走延迟重试，等价于可见性超时
func (r *Redis) AcquireTaskLock(ctx context.Context, candidateID string, expiration time.Duration) (string, error) {
	return r.acquireLock(ctx, fmt.Sprintf(constants.KeyTaskLock, candidateID), expiration)
}

// ReleaseTaskLock 释放解析任务处理锁
func (r *Redis) ReleaseTaskLock(ctx context.Context, candidateID string, lockValue string) (bool, error) {
	return r.releaseLock(ctx, fmt.Sprintf(constants.KeyTaskLock, candidateID), lockValue)
}

// acquireLock SetNX抢占互斥锁，返回持有者标识，锁被占用时返回空字符串
func (r *Redis) acquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis客户端未初始化")
	}
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return lockValue, nil
	}
	return "", nil
}

// releaseLock 使用Lua脚本释放互斥锁，保证只有持有者能释放
func (r *Redis) releaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis客户端未初始化")
	}
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}
	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}
	return false, nil
}
