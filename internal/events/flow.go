package events

import (
	"context"
	"encoding/json"
	"time"

	"mcpgate/pkg/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FlowRecorder writes request-processing checkpoints to Redis: one
// stream per flow id for ordered replay, plus a per-user pub/sub
// channel for live observers. An out-of-process writer drains the
// streams to long-term storage; the TTL caps retention here.
type FlowRecorder struct {
	client *redis.Client
	ttl    time.Duration
}

// NewFlowRecorder wraps a Redis client. ttl bounds stream retention.
func NewFlowRecorder(client *redis.Client, ttl time.Duration) *FlowRecorder {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &FlowRecorder{client: client, ttl: ttl}
}

// flowEntry builds the stream field set for one checkpoint. parentID
// is empty for the first node of a request chain.
func flowEntry(nodeID, userID, eventType, parentID string, ts time.Time, payload []byte) map[string]interface{} {
	return map[string]interface{}{
		"node_id":        nodeID,
		"parent_node_id": parentID,
		"user_id":        userID,
		"event_type":     eventType,
		"timestamp":      ts.Format(time.RFC3339Nano),
		"payload":        string(payload),
	}
}

// Record appends one checkpoint and returns its node id so the caller
// can chain later checkpoints to it. Failures are logged and
// swallowed: observability must never fail a request.
func (f *FlowRecorder) Record(ctx context.Context, flowID, userID, eventType, parentID string, payload map[string]interface{}) string {
	if flowID == "" {
		return ""
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logging.Warn("FlowRecorder", "Failed to marshal flow payload: %v", err)
		data = []byte("{}")
	}

	nodeID := uuid.NewString()
	now := time.Now().UTC()
	stream := "flow:" + flowID

	pipe := f.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: flowEntry(nodeID, userID, eventType, parentID, now, data),
	})
	pipe.Expire(ctx, stream, f.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warn("FlowRecorder", "Failed to append flow event: %v", err)
		return nodeID
	}

	envelope, err := json.Marshal(map[string]interface{}{
		"session_id":     flowID,
		"node_id":        nodeID,
		"parent_node_id": parentID,
		"user_id":        userID,
		"event_type":     eventType,
		"timestamp":      now.Format(time.RFC3339Nano),
		"payload":        payload,
	})
	if err != nil {
		return nodeID
	}
	if err := f.client.Publish(ctx, "flow_events:"+userID, envelope).Err(); err != nil {
		logging.Warn("FlowRecorder", "Failed to publish flow event: %v", err)
	}
	return nodeID
}
