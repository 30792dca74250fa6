package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/drawbridge-app/drawbridge/internal/config"
	"github.com/drawbridge-app/drawbridge/internal/redisdb"
)

// Connectivity and stream checker for the edit outbox. Run it against the
// same environment as the server to verify Redis is reachable and to see
// which room streams exist and how deep they are.
func main() {
	redisCfg := config.RedisConfig{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
	}
	streamPrefix := getEnv("OUTBOX_STREAM_PREFIX", "collab:edits")

	db, err := redisdb.NewRedisDB(redisCfg)
	if err != nil {
		log.Fatalf("Failed to connect to redis at %s: %v", redisCfg.Addr(), err)
	}
	defer func() {
		_ = db.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}
	fmt.Printf("✓ Successfully connected to redis at '%s' (db %d)\n\n", redisCfg.Addr(), redisCfg.DB)

	client := db.GetClient()
	pattern := streamPrefix + ":*"

	fmt.Printf("Checking outbox streams (%s):\n", pattern)
	var cursor uint64
	streamCount := 0
	totalEntries := int64(0)
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			log.Fatalf("Failed to scan for streams: %v", err)
		}
		for _, key := range keys {
			info, err := client.XInfoStream(ctx, key).Result()
			if err != nil {
				fmt.Printf("  ✗ Error inspecting stream '%s': %v\n", key, err)
				continue
			}
			streamCount++
			totalEntries += info.Length
			fmt.Printf("  ✓ Stream '%s' exists (entries: %d, last id: %s)\n", key, info.Length, info.LastGeneratedID)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if streamCount == 0 {
		fmt.Println("  (no streams yet; streams appear after the first committed edit)")
	}

	fmt.Printf("\n✅ Redis is ready (streams: %d, total entries: %d)\n", streamCount, totalEntries)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
