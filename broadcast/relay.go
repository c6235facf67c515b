// broadcast/relay.go
package broadcast

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wfunc/gamesync/logger"
)

// 房间消息的中继主题前缀, 末段为房间ID
const relaySubjectPrefix = "gamesync.room."

// relayEnvelope 跨节点转发的消息信封
// NodeID 用于跳过自己发布的消息, 避免重复投递
type relayEnvelope struct {
	NodeID string          `json:"node_id"`
	RoomID string          `json:"room_id"`
	MsgID  uint16          `json:"msg_id"`
	Data   json.RawMessage `json:"data"`
}

// RelayBroadcaster 在本地广播之外把房间消息发布到 NATS
// 同一房间的玩家分布在多个节点时, 其他节点订阅后投递给自己的会话
type RelayBroadcaster struct {
	local  *RoomBroadcaster
	nodeID string
	nc     *nats.Conn
	sub    *nats.Subscription
}

// NewRelayBroadcaster 连接 NATS 并订阅房间中继主题
func NewRelayBroadcaster(local *RoomBroadcaster, url, nodeID string) (*RelayBroadcaster, error) {
	nc, err := nats.Connect(url,
		nats.Name("gamesync-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Log.Warnf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}

	b := &RelayBroadcaster{
		local:  local,
		nodeID: nodeID,
		nc:     nc,
	}
	sub, err := nc.Subscribe(relaySubjectPrefix+">", b.onRelay)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.sub = sub

	logger.Log.Infof("Room relay connected to %s as node %s", nc.ConnectedUrl(), nodeID)
	return b, nil
}

func (b *RelayBroadcaster) BroadcastToRoom(roomID string, msgID uint16, data []byte) error {
	// 本地没有这个房间也要继续发布, 房间可能整个在别的节点上
	if err := b.local.BroadcastToRoom(roomID, msgID, data); err != nil && err != ErrRoomNotFound {
		return err
	}

	payload, err := json.Marshal(relayEnvelope{
		NodeID: b.nodeID,
		RoomID: roomID,
		MsgID:  msgID,
		Data:   data,
	})
	if err != nil {
		return err
	}
	return b.nc.Publish(relaySubjectPrefix+roomID, payload)
}

func (b *RelayBroadcaster) BroadcastToAll(msgID uint16, data []byte) error {
	return b.local.BroadcastToAll(msgID, data)
}

func (b *RelayBroadcaster) BroadcastToPlayers(playerIDs []string, msgID uint16, data []byte) error {
	return b.local.BroadcastToPlayers(playerIDs, msgID, data)
}

func (b *RelayBroadcaster) onRelay(msg *nats.Msg) {
	var env relayEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		logger.Log.Warnf("Corrupt relay envelope on %s: %v", msg.Subject, err)
		return
	}
	b.deliver(&env)
}

// deliver 投递一条中继消息到本地会话
func (b *RelayBroadcaster) deliver(env *relayEnvelope) {
	if env.NodeID == b.nodeID {
		return
	}
	if err := b.local.BroadcastToRoom(env.RoomID, env.MsgID, env.Data); err != nil && err != ErrRoomNotFound {
		logger.Log.Warnf("Failed to deliver relayed message for room %s: %v", env.RoomID, err)
	}
}

// Close 退订并断开 NATS 连接
func (b *RelayBroadcaster) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Drain()
	}
}
