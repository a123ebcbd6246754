package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/api"
	"boardsync/domain"
	"boardsync/gateway"
	"boardsync/notify"
	"boardsync/presence"
	"boardsync/realtime"
	"boardsync/storage"
	"boardsync/store"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()

	var persist store.Persistence
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr != "" {
		itemsTable := os.Getenv("ITEMS_TABLE")
		prefsTable := os.Getenv("PREFS_TABLE")
		if itemsTable == "" || prefsTable == "" {
			log.Fatal("missing storage config")
		}
		st, err := storage.New(connStr, itemsTable, prefsTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		persist = st
	} else {
		logger.Warn("STORAGE_CONNECTION_STRING not set, using in-memory persistence")
		persist = store.NewMemoryPersistence()
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("ITEMS_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid ITEMS_CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	cached := storage.NewItemCache(persist, rc, cacheTTL)

	dedupeTTL := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		dedupeTTL = d
	}
	deduper := api.NewRedisDeduper(rc, dedupeTTL)

	itemStore := store.New(cached)
	gw := gateway.New(itemStore, cached, logger)

	hub := realtime.NewHub(logger, 0)
	eventsChannel := os.Getenv("EVENTS_CHANNEL")
	if eventsChannel == "" {
		eventsChannel = "board-events"
	}
	bridge := realtime.NewBridge(rc, hub, eventsChannel, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	tracker := presence.NewTracker(hub, func(resourceID, field, otherUserID, targetUserID string) {
		data, err := json.Marshal(domain.ConflictEventData{Field: field, OtherUserID: otherUserID, TargetUserID: targetUserID})
		if err != nil {
			return
		}
		hub.Broadcast(resourceID, domain.Event{
			ID:         uuid.NewString(),
			ResourceID: resourceID,
			Type:       domain.ConflictAdvisory,
			Data:       data,
			Time:       domain.NextTimestamp(),
			UserID:     otherUserID,
		})
	}, logger)

	var dispatcher *notify.Dispatcher
	if prefsSource, ok := persist.(notify.PrefsSource); ok {
		notifyQueue := os.Getenv("NOTIFY_QUEUE")
		if notifyQueue == "" || connStr == "" {
			logger.Warn("NOTIFY_QUEUE not configured, notification fan-out disabled")
		} else {
			sink, err := storage.NewQueueSink(connStr, notifyQueue)
			if err != nil {
				log.Fatalf("notify queue: %v", err)
			}
			prefs := notify.NewPrefsCache(prefsSource, rc, cacheTTL)
			dispatcher = notify.NewDispatcher(prefs, sink, logger)
			defer dispatcher.Close()
		}
	}

	testMode := os.Getenv("AUTH_TEST_MODE") == "1"
	var auth *api.Auth
	if testMode {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH_AUDIENCE")
		authDomain := os.Getenv("AUTH_DOMAIN")
		if jwtAudience == "" || authDomain == "" {
			log.Fatal("missing auth config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+authDomain+"/")
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	deps := api.Deps{
		Mutator:   gw,
		Loader:    cached,
		Hub:       hub,
		Publisher: bridge,
		Presence:  tracker,
		Auth:      auth,
		Deduper:   deduper,
		Log:       logger,
	}
	if dispatcher != nil {
		deps.Notifier = dispatcher
	}
	api.Register(e, deps)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("BOARDSYNC_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
