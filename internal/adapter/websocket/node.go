package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/centrifugal/centrifuge"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/domain"
)

const (
	channelPrefix = "dashboard:"
	redisPrefix   = "signalhub"
)

// DashboardChannel is the centrifuge channel carrying one user's live view.
func DashboardChannel(userID domain.UserID) string {
	return channelPrefix + strconv.FormatInt(int64(userID), 10)
}

func NewNode(wsMetrics *metrics.WebSocketMetrics, logLevel string) (*centrifuge.Node, error) {
	conf := centrifuge.Config{LogLevel: parseCentrifugeLogLevel(logLevel), LogHandler: slogHandler}
	node, err := centrifuge.New(conf)
	if err != nil {
		return nil, fmt.Errorf("create centrifuge node: %w", err)
	}

	node.OnConnecting(onConnecting)
	node.OnConnect(onConnect(wsMetrics))

	return node, nil
}

// onConnecting subscribes the client to the dashboard channel of the user
// carried in its credentials. Credentials are set by the HTTP layer.
func onConnecting(ctx context.Context, _ centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
	cred, ok := centrifuge.GetCredentials(ctx)
	if !ok || cred.UserID == "" {
		return centrifuge.ConnectReply{}, centrifuge.DisconnectServerError
	}

	id, err := strconv.ParseInt(cred.UserID, 10, 64)
	if err != nil || id <= 0 {
		slog.Warn("Invalid dashboard user", "user_id", cred.UserID, "error", err)
		return centrifuge.ConnectReply{}, centrifuge.DisconnectServerError
	}

	reply := centrifuge.ConnectReply{
		Subscriptions: map[string]centrifuge.SubscribeOptions{
			DashboardChannel(domain.UserID(id)): {
				EmitPresence: true,
			},
		},
	}
	return reply, nil
}

func onConnect(wsMetrics *metrics.WebSocketMetrics) func(client *centrifuge.Client) {
	return func(client *centrifuge.Client) {
		slog.Debug("Dashboard client connected", "client_id", client.ID(), "user_id", client.UserID())

		if wsMetrics != nil {
			wsMetrics.ActiveConnections.Inc()
		}

		client.OnSubscribe(func(e centrifuge.SubscribeEvent, cb centrifuge.SubscribeCallback) {
			// clients may only join their own dashboard
			if e.Channel != channelPrefix+client.UserID() {
				cb(centrifuge.SubscribeReply{}, centrifuge.ErrorPermissionDenied)
				return
			}
			cb(centrifuge.SubscribeReply{Options: centrifuge.SubscribeOptions{EmitPresence: true}}, nil)
		})

		client.OnDisconnect(func(e centrifuge.DisconnectEvent) {
			slog.Debug("Dashboard client disconnected", "client_id", client.ID(), "reason", e.Reason)
			if wsMetrics != nil {
				wsMetrics.ActiveConnections.Dec()
			}
		})
	}
}

// SetupRedis switches the node to a Redis broker and presence manager so
// dashboards connected to any instance receive every instance's publications.
func SetupRedis(node *centrifuge.Node, redisAddr string) error {
	shardConfig := centrifuge.RedisShardConfig{Address: redisAddr}
	shard, err := centrifuge.NewRedisShard(node, shardConfig)
	if err != nil {
		return fmt.Errorf("create redis shard: %w", err)
	}

	brokerConfig := centrifuge.RedisBrokerConfig{Prefix: redisPrefix, Shards: []*centrifuge.RedisShard{shard}}
	broker, err := centrifuge.NewRedisBroker(node, brokerConfig)
	if err != nil {
		return fmt.Errorf("create redis broker: %w", err)
	}
	node.SetBroker(broker)

	pmConfig := centrifuge.RedisPresenceManagerConfig{Prefix: redisPrefix, Shards: []*centrifuge.RedisShard{shard}}
	presenceManager, err := centrifuge.NewRedisPresenceManager(node, pmConfig)
	if err != nil {
		return fmt.Errorf("create redis presence manager: %w", err)
	}
	node.SetPresenceManager(presenceManager)

	return nil
}

func slogHandler(entry centrifuge.LogEntry) {
	attrs := make([]any, 0, len(entry.Fields)*2)
	for k, v := range entry.Fields {
		attrs = append(attrs, k, v)
	}
	switch entry.Level {
	case centrifuge.LogLevelDebug, centrifuge.LogLevelTrace:
		slog.Debug(entry.Message, attrs...)
	case centrifuge.LogLevelInfo:
		slog.Info(entry.Message, attrs...)
	case centrifuge.LogLevelWarn:
		slog.Warn(entry.Message, attrs...)
	case centrifuge.LogLevelError:
		slog.Error(entry.Message, attrs...)
	case centrifuge.LogLevelNone:
		// EMPTY
	}
}

func parseCentrifugeLogLevel(level string) centrifuge.LogLevel {
	switch level {
	case "debug":
		return centrifuge.LogLevelDebug
	case "warn":
		return centrifuge.LogLevelWarn
	case "error":
		return centrifuge.LogLevelError
	default:
		return centrifuge.LogLevelInfo
	}
}

// PresenceChecker reports whether anyone is watching a user's dashboard.
type PresenceChecker struct {
	node *centrifuge.Node
}

func NewPresenceChecker(node *centrifuge.Node) *PresenceChecker {
	return &PresenceChecker{node: node}
}

func (p *PresenceChecker) HasViewers(userID domain.UserID) bool {
	return p.ViewerCount(userID) > 0
}

func (p *PresenceChecker) ViewerCount(userID domain.UserID) int {
	stats, err := p.node.PresenceStats(DashboardChannel(userID))
	if err != nil {
		return 0
	}
	return stats.NumClients
}
