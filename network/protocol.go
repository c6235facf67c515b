package network

const (
	MsgTypeHeartbeat = 1

	MsgTypeJoinRoom    = 101
	MsgTypeLeaveRoom   = 102
	MsgTypeCreateRoom  = 103
	MsgTypeRoomJoined  = 104
	MsgTypeRoomUpdated = 105

	MsgTypeGameMove        = 201
	MsgTypeGameMoveBatch   = 202
	MsgTypeGameSyncRequest = 203

	MsgTypeGameStateUpdate  = 301
	MsgTypeGameSyncResponse = 302
	MsgTypeGameStart        = 303
	MsgTypeGameEnd          = 304
)

// eventNames 消息ID到事件名的映射, 用于日志输出
var eventNames = map[uint16]string{
	MsgTypeHeartbeat:        "heartbeat",
	MsgTypeJoinRoom:         "room:join",
	MsgTypeLeaveRoom:        "room:leave",
	MsgTypeCreateRoom:       "room:create",
	MsgTypeRoomJoined:       "room:joined",
	MsgTypeRoomUpdated:      "room:updated",
	MsgTypeGameMove:         "game:move",
	MsgTypeGameMoveBatch:    "game:move_batch",
	MsgTypeGameSyncRequest:  "game:sync_request",
	MsgTypeGameStateUpdate:  "game:state_update",
	MsgTypeGameSyncResponse: "game:sync_response",
	MsgTypeGameStart:        "game:start",
	MsgTypeGameEnd:          "game:end",
}

// EventName 返回消息ID对应的事件名, 未知ID返回 "unknown"
func EventName(msgID uint16) string {
	if name, ok := eventNames[msgID]; ok {
		return name
	}
	return "unknown"
}
