package live

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
)

// Topic returns the per-driver reroute pub/sub channel name.
func Topic(driverID string) string {
	return fmt.Sprintf("reroute:%s", driverID)
}

// RedisPublisher publishes RouteUpdated envelopes on a driver's reroute
// topic, satisfying ingest.Publisher. The payload is exactly the wire frame
// a connected session forwards: Hub.subscribe never re-wraps it.
type RedisPublisher struct {
	broker Broker
}

// NewRedisPublisher builds a RedisPublisher over broker.
func NewRedisPublisher(broker Broker) *RedisPublisher {
	return &RedisPublisher{broker: broker}
}

// Publish marshals envelope as a route_updated frame and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, driverID string, envelope domain.RouteUpdated) error {
	data, err := json.Marshal(routeUpdatedFrame{Type: "route_updated", RouteUpdated: envelope})
	if err != nil {
		return fmt.Errorf("marshal route_updated frame: %w", err)
	}
	return p.broker.Publish(ctx, Topic(driverID), data)
}

// routeUpdatedFrame flattens RouteUpdated's fields alongside the type
// discriminator, matching the outbound wire shape of every other frame.
type routeUpdatedFrame struct {
	Type string `json:"type"`
	domain.RouteUpdated
}
