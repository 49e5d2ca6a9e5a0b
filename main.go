package main

import (
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskfolio/api"
	"taskfolio/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	usersTableName := os.Getenv("USERS_TABLE")
	tasksTableName := os.Getenv("TASKS_TABLE")
	taskEventsQueueName := os.Getenv("TASK_EVENTS_QUEUE")
	if connStr == "" || usersTableName == "" || tasksTableName == "" || taskEventsQueueName == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, usersTableName, tasksTableName, taskEventsQueueName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	var backing api.Store = store
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(redisOptions(redisConn))
		ttl := 5 * time.Minute
		if v := os.Getenv("CACHE_TTL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				log.Fatalf("invalid CACHE_TTL: %v", err)
			}
			ttl = d
		}
		backing = storage.NewCache(store, rc, ttl)
	}

	secret := os.Getenv("SESSION_SIGNING_SECRET")
	if secret == "" {
		log.Fatal("missing SESSION_SIGNING_SECRET")
	}
	sessionTTL := api.DefaultSessionTTL
	if v := os.Getenv("SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid SESSION_TTL: %v", err)
		}
		sessionTTL = d
	}
	codec := api.NewTokenCodec([]byte(secret), sessionTTL)

	testMode := os.Getenv("GOOGLE_AUTH_TEST_MODE") == "1"
	var google *api.GoogleVerifier
	if testMode {
		google = api.NewGoogleVerifier(nil, "")
	} else {
		clientID := os.Getenv("GOOGLE_CLIENT_ID")
		if clientID == "" {
			log.Fatal("missing Google config")
		}
		jwks, err := keyfunc.Get(api.GoogleJWKSURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		google = api.NewGoogleVerifier(jwks, clientID)
	}
	identity := api.NewIdentity(backing, google)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	logger := log.New()
	api.Register(e, backing, codec, identity, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

// redisOptions accepts either a redis URL or the comma-separated
// "host:port,password=...,ssl=true" form used by managed caches.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err != nil {
		parts := strings.Split(conn, ",")
		opts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				opts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					opts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	return opts
}
