package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type config struct {
	BoardConfigPath string
	BoardID         string
	Statuses        []string
	RedisOptions    *redis.Options

	// Table storage writer; Redis is used when unset.
	StorageConnStr string
	ItemsTable     string
	EventsQueue    string

	WriteTimeout time.Duration

	IngestURL          string
	IngestPageSize     int
	IngestToken        string
	IngestClientID     string
	IngestClientSecret string
	IngestTokenURL     string
	IngestScopes       []string

	AuthTestMode bool
	TestSecret   string
	AuthDomain   string
	AuthAudience string

	ListenAddr string
	Debug      bool
}

func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		BoardConfigPath:    getenv("BOARD_CONFIG"),
		BoardID:            getenv("BOARD_ID"),
		Statuses:           splitList(getenv("BOARD_STATUSES")),
		StorageConnStr:     getenv("STORAGE_CONNECTION_STRING"),
		ItemsTable:         getenv("ITEMS_TABLE"),
		EventsQueue:        getenv("EVENTS_QUEUE"),
		IngestURL:          getenv("INGEST_URL"),
		IngestToken:        getenv("INGEST_TOKEN"),
		IngestClientID:     getenv("INGEST_CLIENT_ID"),
		IngestClientSecret: getenv("INGEST_CLIENT_SECRET"),
		IngestTokenURL:     getenv("INGEST_TOKEN_URL"),
		IngestScopes:       splitList(getenv("INGEST_SCOPES")),
		AuthTestMode:       getenv("AUTH0_TEST_MODE") == "1",
		TestSecret:         getenv("TEST_JWT_SECRET"),
		AuthDomain:         getenv("AUTH0_DOMAIN"),
		AuthAudience:       getenv("AUTH0_AUDIENCE"),
		ListenAddr:         ":8080",
	}
	if cfg.BoardConfigPath == "" || cfg.BoardID == "" {
		return cfg, errors.New("missing board config")
	}

	redisConn := getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		return cfg, errors.New("missing redis config")
	}
	cfg.RedisOptions = parseRedisOptions(redisConn)

	if cfg.StorageConnStr != "" && (cfg.ItemsTable == "" || cfg.EventsQueue == "") {
		return cfg, errors.New("missing storage config")
	}

	if v := getenv("MOVE_WRITE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid MOVE_WRITE_TIMEOUT: %q", v)
		}
		cfg.WriteTimeout = d
	}

	if v := getenv("INGEST_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid INGEST_PAGE_SIZE: %v", err)
		}
		if n <= 0 {
			return cfg, errors.New("invalid INGEST_PAGE_SIZE: must be greater than zero")
		}
		cfg.IngestPageSize = n
	}
	if cfg.IngestClientID != "" && cfg.IngestTokenURL == "" {
		return cfg, errors.New("INGEST_TOKEN_URL is required with INGEST_CLIENT_ID")
	}

	if cfg.AuthTestMode {
		if cfg.TestSecret == "" {
			return cfg, errors.New("TEST_JWT_SECRET is required in test mode")
		}
	} else if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
		return cfg, errors.New("missing Auth0 config")
	}

	if v := getenv("FUNCTIONS_CUSTOMHANDLER_PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	} else if v := getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}
	if dbg, err := strconv.ParseBool(getenv("DEBUG")); err == nil {
		cfg.Debug = dbg
	}
	return cfg, nil
}

// parseRedisOptions accepts a redis:// URL or the "host:port,password=...,ssl=True" form.
func parseRedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
