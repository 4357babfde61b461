package preflight

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-workerdeploy/pkg/configvalue"
	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisHost = "localhost"
	DefaultRedisPort = 6379
	DefaultTimeout   = 5 * time.Second
)

// Checker verifies external dependencies of workers before anything is changed on disk
type Checker interface {
	CheckRedis(ctx context.Context, app string, redisConfig configvalue.Value) error
}

type redisChecker struct {
	timeout time.Duration
	logger  logging.Logger
}

// NewRedisChecker returns a Checker that pings the Redis endpoint described by redis_config
func NewRedisChecker(timeout time.Duration, logger logging.Logger) Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &redisChecker{timeout: timeout, logger: logger}
}

func (c *redisChecker) CheckRedis(ctx context.Context, app string, redisConfig configvalue.Value) error {
	options, err := RedisOptions(redisConfig)
	if err != nil {
		return errors.NewValidationError("invalid redis_config", err).WithContext("application", app)
	}
	options.DialTimeout = c.timeout
	options.ReadTimeout = c.timeout
	options.WriteTimeout = c.timeout
	options.MaxRetries = -1 // Single attempt

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client := redis.NewClient(options)
	defer client.Close()

	c.logger.Debugf("Checking redis, application: %s, addr: %s, db: %d", app, options.Addr, options.DB)
	if err := client.Ping(ctx).Err(); err != nil {
		return errors.NewIOError("redis is not reachable", err).
			WithContext("application", app).
			WithContext("addr", options.Addr)
	}

	c.logger.Infof("Redis reachable, application: %s, addr: %s", app, options.Addr)
	return nil
}

// RedisOptions builds client options from a redis_config mapping.
// A url key wins over host, port, db, username and password.
func RedisOptions(redisConfig configvalue.Value) (*redis.Options, error) {
	if redisConfig.IsNull() {
		redisConfig = configvalue.Mapping()
	}
	if redisConfig.Kind() != configvalue.KindMapping {
		return nil, errors.NewValidationError(fmt.Sprintf("redis_config must be a mapping, got %s", redisConfig.Kind()), nil)
	}

	if url := lookup(redisConfig, "url"); url != "" {
		options, err := redis.ParseURL(url)
		if err != nil {
			return nil, errors.NewValidationError("invalid redis url", err)
		}
		return options, nil
	}

	host := lookup(redisConfig, "host")
	if host == "" {
		host = DefaultRedisHost
	}

	port := DefaultRedisPort
	if value := lookup(redisConfig, "port"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 || parsed > 65535 {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid redis port: %s", value), err)
		}
		port = parsed
	}

	db := 0
	if value := lookup(redisConfig, "db"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid redis db: %s", value), err)
		}
		db = parsed
	}

	return &redis.Options{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Username: lookup(redisConfig, "username"),
		Password: lookup(redisConfig, "password"),
		DB:       db,
	}, nil
}

// lookup accepts both plain and symbolic (":key") spellings
func lookup(mapping configvalue.Value, key string) string {
	for _, candidate := range []string{key, ":" + key} {
		if value, ok := mapping.Get(candidate); ok && value.Kind() == configvalue.KindScalar {
			return strings.TrimSpace(value.Text())
		}
	}
	return ""
}

type nullChecker struct{}

// NewNullChecker returns a Checker that accepts everything
func NewNullChecker() Checker {
	return nullChecker{}
}

func (nullChecker) CheckRedis(ctx context.Context, app string, redisConfig configvalue.Value) error {
	return nil
}
