package main

import (
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/listhit/listsync/internal/httpapi"
	"github.com/listhit/listsync/internal/relay"
)

func main() {
	addr := os.Getenv("LISTSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	pending, membership, err := buildStoresFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize stores: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	r := relay.New(relay.Options{
		Pending:         pending,
		Membership:      membership,
		AckTimeout:      durationEnv("LISTSYNC_ACK_TIMEOUT", 0),
		HandoffTimeout:  durationEnv("LISTSYNC_HANDOFF_TIMEOUT", 0),
		HandoffFallback: durationEnv("LISTSYNC_HANDOFF_FALLBACK", 0),
		Logger:          logger,
	})
	defer r.Close()

	server := httpapi.NewServerWithConfig(r, httpapi.ServerConfig{
		MaxBodyBytes: int64Env("LISTSYNC_MAX_BODY_BYTES", 0),
		Logger:       logger,
	})

	log.Printf("listsync relay listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
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

func buildStoresFromEnv() (relay.PendingStore, relay.MembershipStore, error) {
	pendingDSN, membershipDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if dsn := strings.TrimSpace(os.Getenv("LISTSYNC_PENDING_DSN")); dsn != "" {
		pendingDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("LISTSYNC_MEMBERSHIP_DSN")); dsn != "" {
		membershipDSN = dsn
	}

	var pending relay.PendingStore
	var membership relay.MembershipStore
	if pendingDSN != "" {
		pending, err = relay.BuildPendingStoreFromDSN(pendingDSN)
		if err != nil {
			return nil, nil, err
		}
	}
	if membershipDSN != "" {
		membership, err = relay.BuildMembershipStoreFromDSN(membershipDSN)
		if err != nil {
			return nil, nil, err
		}
	}
	return pending, membership, nil
}

func storageProfileDefaultsFromEnv() (pendingDSN, membershipDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("LISTSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("LISTSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".listsync"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("LISTSYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("LISTSYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", fmt.Errorf("LISTSYNC_PRODUCTION_DSN or LISTSYNC_POSTGRES_DSN is required when LISTSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "pending.json"),
			"file://" + filepath.Join(dataDir, "membership.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported LISTSYNC_BACKEND_PROFILE: %s", profile)
	}
}
