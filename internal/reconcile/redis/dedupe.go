package redis

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Dedupe short-circuits repeated webhook deliveries for the same
// gateway payment. It is a fast path only: losing a marker (eviction,
// restart) just means the delivery walks the full reconcile path again,
// where the status compare-and-swap makes it a no-op.
type Dedupe struct {
	Client *redis.Client
	Logger *log.Logger
}

func NewDedupe(client *redis.Client) *Dedupe {
	return &Dedupe{
		Client: client,
		Logger: log.Default(),
	}
}

// getMarkerTTL returns the dedupe marker lifetime from environment variables or the default value
func (d *Dedupe) getMarkerTTL() time.Duration {
	// Default marker TTL is 24 hours
	defaultTTL := 24 * time.Hour

	ttlStr := os.Getenv("WEBHOOK_DEDUPE_TTL_HOURS")
	if ttlStr == "" {
		return defaultTTL
	}

	ttlHours, err := strconv.Atoi(ttlStr)
	if err != nil {
		d.Logger.Println("REDIS: Invalid WEBHOOK_DEDUPE_TTL_HOURS value '" + ttlStr + "', using default 24 hours")
		return defaultTTL
	}

	return time.Duration(ttlHours) * time.Hour
}

// Seen marks the payment as being processed and reports whether a
// marker already existed. The mark happens in the same SETNX so two
// concurrent deliveries cannot both see false.
func (d *Dedupe) Seen(gatewayPaymentID string) (bool, error) {
	key := "webhook_seen:" + gatewayPaymentID
	set, err := d.Client.SetNX(context.Background(), key, time.Now().Format(time.RFC3339), d.getMarkerTTL()).Result()
	if err != nil {
		return false, err
	}
	// set == true means we claimed the marker just now.
	return !set, nil
}

// Forget drops the marker so a redelivery can retry after a transient
// failure.
func (d *Dedupe) Forget(gatewayPaymentID string) error {
	key := fmt.Sprintf("webhook_seen:%s", gatewayPaymentID)
	_, err := d.Client.Del(context.Background(), key).Result()
	return err
}
