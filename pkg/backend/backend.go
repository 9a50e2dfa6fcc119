// Package backend persists document state as opaque byte blobs, one per
// session.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("session not found")

// Backend stores the saved state of sessions.
type Backend interface {
	// Load returns ErrNotFound when nothing was saved for the session.
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Save(ctx context.Context, sessionID string, data []byte) error
	Close() error
}

type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverFS       Driver = "fs"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverS3       Driver = "s3"
	DriverRedis    Driver = "redis"
)

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"pathStyle"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

type Config struct {
	Driver Driver `yaml:"driver"`
	// Path is the directory of the fs driver or the database file of the
	// sqlite driver.
	Path     string   `yaml:"path"`
	DSN      string   `yaml:"dsn"`
	RedisURL string   `yaml:"redisUrl"`
	Prefix   string   `yaml:"prefix"`
	S3       S3Config `yaml:"s3"`
}

// Open connects the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverFS, "":
		return NewFilesystem(cfg.Path)
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	case DriverS3:
		return NewS3(ctx, cfg.S3, cfg.Prefix)
	case DriverRedis:
		return NewRedis(ctx, cfg.RedisURL, cfg.Prefix)
	}
	return nil, fmt.Errorf("unknown backend driver %q", cfg.Driver)
}

// ValidSessionID reports whether id can be used as a key by every driver.
func ValidSessionID(id string) bool {
	if id == "" || len(id) > 128 || strings.HasPrefix(id, ".") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func checkID(id string) error {
	if !ValidSessionID(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
