package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/listhit/listsync/internal/client"
)

func main() {
	identity := flag.String("identity", strings.TrimSpace(os.Getenv("LISTSYNC_IDENTITY")), "device identity")
	baseURL := flag.String("base-url", envOrDefault("LISTSYNC_BASE_URL", "http://127.0.0.1:8080"), "relay base URL")
	channelURL := flag.String("channel-url", strings.TrimSpace(os.Getenv("LISTSYNC_CHANNEL_URL")), "relay channel URL (derived from base-url when empty)")
	storePath := flag.String("store", envOrDefault("LISTSYNC_STORE", "listsync.db"), "local store path")
	timeout := flag.Duration("timeout", durationEnv("LISTSYNC_HTTP_TIMEOUT", 15*time.Second), "per-request timeout")
	backoff := flag.Duration("reconnect-backoff", durationEnv("LISTSYNC_RECONNECT_BACKOFF", 2*time.Second), "base reconnect delay")
	backoffJitter := flag.Float64("backoff-jitter", floatEnv("LISTSYNC_BACKOFF_JITTER", 0.2), "reconnect delay jitter ratio (0.0-1.0)")
	once := flag.Bool("once", false, "drain leftovers and exit without holding a channel open")
	flag.Parse()

	if strings.TrimSpace(*identity) == "" {
		log.Fatalf("identity is required (--identity or LISTSYNC_IDENTITY)")
	}
	if *backoff <= 0 {
		*backoff = 2 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*backoffJitter = clampJitterRatio(*backoffJitter)
	relayURL := strings.TrimSpace(*channelURL)
	if relayURL == "" {
		relayURL = channelURLFromBase(*baseURL)
	}

	store, err := client.OpenStore(*storePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	api := client.NewAPIClient(*baseURL, *identity, &http.Client{Timeout: *timeout})
	device, err := client.New(client.Options{
		Identity: *identity,
		Store:    store,
		API:      api,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize client: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drain := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		applied, err := device.DrainLeftovers(ctx)
		if err != nil {
			log.Printf("leftover drain failed: %v", err)
			return
		}
		if applied > 0 {
			log.Printf("applied %d queued mutations", applied)
		}
	}

	if *once {
		drain()
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		if rootCtx.Err() != nil {
			log.Printf("agent stopping: %v", rootCtx.Err())
			return
		}
		session, err := client.DialSession(rootCtx, client.SessionOptions{
			RelayURL: relayURL,
			Identity: *identity,
			Store:    store,
			Applier:  device.Applier(),
			Logger:   logger,
		})
		if err != nil {
			log.Printf("channel dial failed: %v", err)
			if !sleepCtx(rootCtx, jitteredDelayWithSample(*backoff, *backoffJitter, rng.Float64())) {
				return
			}
			continue
		}

		device.AttachSender(session)
		// The session's connect frame already asked the relay to replay;
		// the HTTP drain is a fallback for queues the replay missed.
		drain()
		log.Printf("channel connected as %s", *identity)

		err = session.Run(rootCtx)
		device.AttachSender(nil)
		session.Close()
		if errors.Is(err, client.ErrSessionClosed) || rootCtx.Err() != nil {
			log.Printf("channel closed")
			if rootCtx.Err() != nil {
				return
			}
		} else if err != nil {
			log.Printf("channel lost: %v", err)
		}
		if !sleepCtx(rootCtx, jitteredDelayWithSample(*backoff, *backoffJitter, rng.Float64())) {
			return
		}
	}
}

// channelURLFromBase rewrites an HTTP base URL into the websocket
// channel endpoint.
func channelURLFromBase(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL + "/shared/channel"
}

func sleepCtx(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredDelayWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
