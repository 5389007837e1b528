package cache

import (
	"context"

	"github.com/agentuity/querycache/logger"
	"github.com/redis/go-redis/v9"
)

// RedisLogger adapts a logger.Logger to the go-redis internal logger.
type RedisLogger struct {
	log logger.Logger
}

// NewRedisLogger returns an adapter that writes go-redis messages at debug level.
func NewRedisLogger(log logger.Logger) *RedisLogger {
	return &RedisLogger{log: log.WithPrefix("[redis]")}
}

func (l *RedisLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	l.log.WithContext(ctx).Debug(format, v...)
}

// InstallRedisLogger routes go-redis internal logging, which is process
// global, to log.
func InstallRedisLogger(log logger.Logger) {
	redis.SetLogger(NewRedisLogger(log))
}
