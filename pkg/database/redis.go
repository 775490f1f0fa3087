package database

import (
	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/config"
)

// NewRedisClient creates the coordination client. Returns nil when Redis
// is not configured; reachability is checked when a lock is requested.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	if cfg.Host == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     config.DialAddress(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
