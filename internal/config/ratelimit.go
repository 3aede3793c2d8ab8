package config

import (
	"os"
	"strconv"
	"time"
)

// BucketConfig describes one token bucket: Capacity tokens, refilled by
// RefillTokens every RefillInterval.  TTL bounds how long an idle bucket is
// remembered.
type BucketConfig struct {
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
}

type RateLimitConfig struct {
	Enabled         bool
	Prefix          string
	Debug           bool
	Send            BucketConfig // per user, inbound "send" frames
	Typing          BucketConfig // per user per conversation, typing publishes
	HTTP            BucketConfig // per client on the HTTP auth surface
	HTTPKeyStrategy string
}

func LoadRateLimitConfig() RateLimitConfig {
	sendCap := envInt("SEND_RATE_CAPACITY", 20)
	sendWindow := envDur("SEND_RATE_WINDOW", 10*time.Second)
	if sendCap < 1 {
		sendCap = 1
	}
	if sendWindow <= 0 {
		sendWindow = 10 * time.Second
	}
	// A full bucket drains in one burst and refills evenly across the window,
	// so at most sendCap sends pass in any window.
	sendEvery := sendWindow / time.Duration(sendCap)

	typing := envDur("TYPING_THROTTLE", 2*time.Second)
	if typing <= 0 {
		typing = 2 * time.Second
	}

	cfg := RateLimitConfig{
		Enabled: envBool("RATE_LIMIT_ENABLED", true),
		Prefix:  envStr("RATE_LIMIT_PREFIX", "rl"),
		Debug:   envBool("RATE_LIMIT_DEBUG", false),
		Send: normBucket(BucketConfig{
			Capacity:       sendCap,
			RefillTokens:   1,
			RefillInterval: sendEvery,
			TTL:            envDur("SEND_RATE_TTL", 10*time.Minute),
		}),
		Typing: normBucket(BucketConfig{
			Capacity:       1,
			RefillTokens:   1,
			RefillInterval: typing,
		}),
		HTTP: normBucket(BucketConfig{
			Capacity:       envInt("RATE_LIMIT_CAPACITY", 60),
			RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
			RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", time.Second),
			TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
		}),
		HTTPKeyStrategy: envStr("RATE_LIMIT_KEY_STRATEGY", "ip_route"),
	}
	return cfg
}

func normBucket(b BucketConfig) BucketConfig {
	if b.Capacity < 1 {
		b.Capacity = 1
	}
	if b.RefillTokens < 1 {
		b.RefillTokens = 1
	}
	if b.RefillInterval <= 0 {
		b.RefillInterval = time.Second
	}
	minTTL := 5 * b.RefillInterval
	if b.TTL < minTTL {
		b.TTL = minTTL
	}
	return b
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envInt64(k string, d int64) int64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
