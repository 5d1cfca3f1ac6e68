package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/livinglibrary/collabd/internal/collab"
	"github.com/livinglibrary/collabd/internal/httpapi"
)

func main() {
	addr := os.Getenv("COLLABD_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	opLog, checkpoints, bus, err := buildBackendsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize backends: %v", err)
	}

	coord := collab.NewCoordinator(collab.CoordinatorOptions{
		Log:                  opLog,
		Checkpoints:          checkpoints,
		Bus:                  bus,
		GracePeriod:          durationEnv("COLLABD_GRACE_PERIOD", 0),
		CheckpointEvery:      intEnv("COLLABD_CHECKPOINT_EVERY", 0),
		CheckpointInterval:   durationEnv("COLLABD_CHECKPOINT_INTERVAL", 0),
		PresenceTTL:          durationEnv("COLLABD_PRESENCE_TTL", 0),
		ReplayPageSize:       intEnv("COLLABD_REPLAY_PAGE_SIZE", 0),
		MaxWindowCache:       intEnv("COLLABD_MAX_WINDOW_CACHE", 0),
		CheckpointRetries:    intEnv("COLLABD_CHECKPOINT_RETRIES", 0),
		CheckpointRetryDelay: durationEnv("COLLABD_CHECKPOINT_RETRY_DELAY", 0),
	})
	defer coord.Close()

	if settingsPath := strings.TrimSpace(os.Getenv("COLLABD_SETTINGS_FILE")); settingsPath != "" {
		watcher, err := collab.WatchSettings(settingsPath, coord)
		if err != nil {
			log.Fatalf("failed to watch settings file %s: %v", settingsPath, err)
		}
		defer watcher.Close()
	}

	server := httpapi.NewServerWithConfig(coord, httpapi.ServerConfig{
		RateLimitMax:    intEnv("COLLABD_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("COLLABD_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("COLLABD_MAX_BODY_BYTES", 0),
		StreamPageSize:  intEnv("COLLABD_STREAM_PAGE_SIZE", 0),
	})

	log.Printf("collabd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildBackendsFromEnv() (collab.OperationLog, collab.CheckpointStore, collab.BroadcastBus, error) {
	logDSN, checkpointDSN, busDSN, err := backendProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, nil, err
	}
	if dsn := strings.TrimSpace(os.Getenv("COLLABD_OPLOG_DSN")); dsn != "" {
		logDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("COLLABD_CHECKPOINT_DSN")); dsn != "" {
		checkpointDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("COLLABD_BUS_DSN")); dsn != "" {
		busDSN = dsn
	}

	var opLog collab.OperationLog
	if logDSN != "" {
		opLog, err = collab.BuildOperationLogFromDSN(logDSN)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	var checkpoints collab.CheckpointStore
	if checkpointDSN != "" {
		checkpoints, err = collab.BuildCheckpointStoreFromDSN(checkpointDSN)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	var bus collab.BroadcastBus
	if busDSN != "" {
		bus, err = collab.BuildBroadcastBusFromDSN(busDSN)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return opLog, checkpoints, bus, nil
}

func backendProfileDefaultsFromEnv() (logDSN, checkpointDSN, busDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("COLLABD_BACKEND_PROFILE")))
	switch profile {
	case "", "custom":
		return "", "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", "memory://", nil
	case "production", "prod":
		postgresDSN := strings.TrimSpace(os.Getenv("COLLABD_POSTGRES_DSN"))
		if postgresDSN == "" {
			return "", "", "", fmt.Errorf("COLLABD_POSTGRES_DSN is required when COLLABD_BACKEND_PROFILE=%s", profile)
		}
		redisDSN := strings.TrimSpace(os.Getenv("COLLABD_REDIS_DSN"))
		if redisDSN == "" {
			return "", "", "", fmt.Errorf("COLLABD_REDIS_DSN is required when COLLABD_BACKEND_PROFILE=%s", profile)
		}
		return postgresDSN, postgresDSN, redisDSN, nil
	default:
		return "", "", "", fmt.Errorf("unsupported COLLABD_BACKEND_PROFILE: %s", profile)
	}
}
