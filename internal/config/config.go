package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultSweepInterval  = 5 * time.Minute
	DefaultStaleThreshold = time.Hour
	DefaultSystemUser     = "parley-bot"
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	// SweepInterval is how often the unread sentinel runs.
	SweepInterval time.Duration
	// StaleThreshold is the age after which an unread message triggers a reminder.
	StaleThreshold time.Duration
	// SystemUser is the reserved identity system notifications are attributed to.
	SystemUser string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string,
	sweepInterval, staleThreshold time.Duration, systemUser string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if systemUser == "" {
		systemUser = DefaultSystemUser
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		SweepInterval:  sweepInterval,
		StaleThreshold: staleThreshold,
		SystemUser:     systemUser,
	}, nil
}
