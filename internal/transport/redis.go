package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetguard/fleetguard/pkg/config"
	"github.com/fleetguard/fleetguard/pkg/errors"
	"github.com/fleetguard/fleetguard/pkg/logging"
	"github.com/fleetguard/fleetguard/pkg/types"
)

// RedisTransport implements AgentTransport over Redis. Agents publish a
// heartbeat key with a TTL, subscribe to their notify channel, and consume
// action requests from a per-agent list, writing acknowledgements to a
// per-action reply key.
type RedisTransport struct {
	client *redis.Client
	logger *logging.Logger
}

// NewRedisTransport connects to Redis and verifies the connection
func NewRedisTransport(cfg *config.RedisConfig, logger *logging.Logger) (*RedisTransport, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return &RedisTransport{client: client, logger: logger}, nil
}

// Close closes the Redis connection
func (t *RedisTransport) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (t *RedisTransport) Health(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return errors.NewInternalError("Redis health check failed").WithCause(err)
	}
	return nil
}

func heartbeatKey(agentID string) string {
	return fmt.Sprintf("fleetguard:agent:%s:heartbeat", agentID)
}

func notifyChannel(agentID string) string {
	return fmt.Sprintf("fleetguard:agent:%s:notify", agentID)
}

func actionQueueKey(agentID string) string {
	return fmt.Sprintf("fleetguard:agent:%s:actions", agentID)
}

func actionReplyKey(actionID string) string {
	return fmt.Sprintf("fleetguard:action:%s:result", actionID)
}

// CheckHealth reports whether the agent's heartbeat key is present
func (t *RedisTransport) CheckHealth(ctx context.Context, agentID string) (bool, error) {
	n, err := t.client.Exists(ctx, heartbeatKey(agentID)).Result()
	if err != nil {
		return false, errors.NewNetworkError("heartbeat lookup failed").
			WithDetail("agent_id", agentID).WithCause(err)
	}
	return n > 0, nil
}

// Notify publishes the notification to the agent's control channel
func (t *RedisTransport) Notify(ctx context.Context, agentID string, notification Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return errors.NewInternalError("failed to serialize notification").WithCause(err)
	}

	if err := t.client.Publish(ctx, notifyChannel(agentID), payload).Err(); err != nil {
		return errors.NewNetworkError("failed to publish notification").
			WithDetail("agent_id", agentID).WithCause(err)
	}
	return nil
}

type actionEnvelope struct {
	Action   types.RecoveryAction `json:"action"`
	ReplyKey string               `json:"reply_key"`
}

type actionReply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Execute pushes the action onto the agent's work list and blocks for the
// agent's acknowledgement, bounded by the action timeout.
func (t *RedisTransport) Execute(ctx context.Context, agentID string, action types.RecoveryAction) error {
	replyKey := actionReplyKey(action.ActionID.String())

	envelope, err := json.Marshal(actionEnvelope{Action: action, ReplyKey: replyKey})
	if err != nil {
		return errors.NewInternalError("failed to serialize action").WithCause(err)
	}

	if err := t.client.LPush(ctx, actionQueueKey(agentID), envelope).Err(); err != nil {
		return errors.NewNetworkError("failed to dispatch action").
			WithDetail("agent_id", agentID).WithCause(err)
	}

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	result, err := t.client.BRPop(ctx, timeout, replyKey).Result()
	if err != nil {
		if err == redis.Nil {
			return errors.NewTimeoutError(fmt.Sprintf("action %s on agent %s", action.Type, agentID))
		}
		return errors.NewNetworkError("failed to collect action reply").
			WithDetail("agent_id", agentID).WithCause(err)
	}
	if len(result) < 2 {
		return errors.NewInternalError("malformed action reply")
	}

	var reply actionReply
	if err := json.Unmarshal([]byte(result[1]), &reply); err != nil {
		return errors.NewInternalError("failed to decode action reply").WithCause(err)
	}
	if reply.Status != "ok" {
		return errors.NewInternalError(fmt.Sprintf("action %s failed on agent %s: %s",
			action.Type, agentID, reply.Error))
	}

	t.logger.Debug("Action acknowledged",
		"agent_id", agentID,
		"action_id", action.ActionID.String(),
		"action_type", string(action.Type),
	)
	return nil
}
