package preflight

import (
	"context"
	"testing"
	"time"

	"github.com/core-tools/hsu-workerdeploy/pkg/configvalue"
	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapping(pairs ...string) configvalue.Value {
	entries := make([]configvalue.Entry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		entries = append(entries, configvalue.Entry{Key: pairs[i], Value: configvalue.String(pairs[i+1])})
	}
	return configvalue.Mapping(entries...)
}

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		name         string
		config       configvalue.Value
		expectError  bool
		wantAddr     string
		wantDB       int
		wantPassword string
	}{
		{
			name:     "empty mapping uses defaults",
			config:   configvalue.Mapping(),
			wantAddr: "localhost:6379",
		},
		{
			name:     "null uses defaults",
			config:   configvalue.Null(),
			wantAddr: "localhost:6379",
		},
		{
			name:         "url",
			config:       mapping("url", "redis://:secret@cache:6380/2", "host", "ignored"),
			wantAddr:     "cache:6380",
			wantDB:       2,
			wantPassword: "secret",
		},
		{
			name:         "host and port",
			config:       mapping("host", "10.0.0.5", "port", "6390", "db", "3", "password", "pw"),
			wantAddr:     "10.0.0.5:6390",
			wantDB:       3,
			wantPassword: "pw",
		},
		{
			name:     "symbolic keys",
			config:   mapping(":host", "cache", ":port", "7000"),
			wantAddr: "cache:7000",
		},
		{
			name: "integer port",
			config: configvalue.Mapping(
				configvalue.Entry{Key: "port", Value: configvalue.Int(6400)},
			),
			wantAddr: "localhost:6400",
		},
		{name: "invalid port", config: mapping("port", "redis"), expectError: true},
		{name: "port out of range", config: mapping("port", "70000"), expectError: true},
		{name: "negative db", config: mapping("db", "-1"), expectError: true},
		{name: "invalid url", config: mapping("url", "http://cache"), expectError: true},
		{name: "not a mapping", config: configvalue.String("redis://cache"), expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			options, err := RedisOptions(tt.config)
			if tt.expectError {
				assert.True(t, errors.IsValidationError(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, options.Addr)
			assert.Equal(t, tt.wantDB, options.DB)
			assert.Equal(t, tt.wantPassword, options.Password)
		})
	}
}

func TestRedisChecker_Unreachable(t *testing.T) {
	checker := NewRedisChecker(500*time.Millisecond, logging.NewNullLogger())

	// Nothing listens on port 1
	err := checker.CheckRedis(context.Background(), "shop", mapping("host", "127.0.0.1", "port", "1"))
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
	assert.Contains(t, err.Error(), "addr=127.0.0.1:1")
}

func TestRedisChecker_InvalidConfig(t *testing.T) {
	checker := NewRedisChecker(0, logging.NewNullLogger())

	err := checker.CheckRedis(context.Background(), "shop", mapping("port", "x"))
	assert.True(t, errors.IsValidationError(err))
}

func TestNullChecker(t *testing.T) {
	assert.NoError(t, NewNullChecker().CheckRedis(context.Background(), "shop", configvalue.Null()))
}
