package server

import (
	"encoding/json"
	"net/http"
	"net/rpc"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/gamesync/broadcast"
	"github.com/wfunc/gamesync/config"
	"github.com/wfunc/gamesync/logger"
	"github.com/wfunc/gamesync/models"
	"github.com/wfunc/gamesync/monitor"
	"github.com/wfunc/gamesync/network"
	"github.com/wfunc/gamesync/persistence"
	"github.com/wfunc/gamesync/room"
	gamesync_rpc "github.com/wfunc/gamesync/rpc"
	"github.com/wfunc/gamesync/services"
	"github.com/wfunc/gamesync/session"
	"github.com/wfunc/gamesync/state"
	"github.com/wfunc/gamesync/timer"
	"golang.org/x/time/rate"
)

const (
	// 会话上限流器的存放键
	sessionKeyLimiter = "move_limiter"

	// 心跳间隔, 连接读超时为它的两倍
	heartbeatInterval = 30 * time.Second

	// 暂停中的空房间保留多久等待重连
	reconnectWindow = 5 * time.Minute
)

type GameServer struct {
	cfg            *config.Config
	upgrader       websocket.Upgrader
	db             persistence.Database
	roomManager    *room.Manager
	sessionManager *session.Manager
	playerService  *services.PlayerService
	matchService   *services.MatchService
	broadcaster    broadcast.Broadcaster
	relay          *broadcast.RelayBroadcaster
	rpcServer      *gamesync_rpc.Server
	monitor        *monitor.Monitor
	timers         *timer.TimerManager
	roomOpts       room.Options
	shutdownChan   chan struct{}
}

func NewGameServer(cfg *config.Config, db persistence.Database) *GameServer {
	s := &GameServer{
		cfg:            cfg,
		db:             db,
		roomManager:    room.NewRoomManager(),
		sessionManager: session.NewManager(),
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有跨域请求
			},
		},
	}

	s.playerService = services.NewPlayerService(db)
	s.matchService = services.NewMatchService(db)

	// 初始化广播器, 配了NATS就挂上跨节点转发
	local := broadcast.NewRoomBroadcaster(s.roomManager, s.sessionManager)
	if cfg.Nats.URL != "" {
		relay, err := broadcast.NewRelayBroadcaster(local, cfg.Nats.URL, uuid.New().String())
		if err != nil {
			logger.Log.Fatalf("Failed to connect to NATS: %v", err)
		}
		s.relay = relay
		s.broadcaster = relay
	} else {
		s.broadcaster = local
	}

	// 初始化监控
	s.monitor = monitor.NewMonitor("gamesync")

	// 初始化定时任务
	s.timers = timer.NewTimerManager(nil)

	// 房间同步参数
	s.roomOpts = room.Options{
		KeyframeInterval: cfg.Sync.KeyframeInterval,
		PendingCap:       cfg.Sync.PendingCap,
		PendingCutoff:    time.Duration(cfg.Sync.PendingCutoffSec) * time.Second,
		WarnThreshold:    cfg.Sync.WarnThreshold,
	}

	// 初始化RPC服务器
	rpcServer, err := gamesync_rpc.NewServer(cfg.Server.RPCAddress)
	if err != nil {
		logger.Log.Fatalf("Failed to create RPC server: %v", err)
	}
	s.rpcServer = rpcServer

	// 注册RPC服务
	gameService := gamesync_rpc.NewGameService(s.playerService, s.matchService, s.roomManager)
	rpc.Register(gameService)

	return s
}

func (s *GameServer) Start() error {
	go s.rpcServer.Start()
	s.monitor.StartServer(s.cfg.Server.MetricsAddress)

	// 周期性快照落库和空房间清理
	interval := time.Duration(s.cfg.Sync.SnapshotIntervalMS) * time.Millisecond
	if interval > 0 {
		s.timers.AddTimer(interval, interval, s.snapshotRooms)
	}

	http.HandleFunc("/ws", s.handleWebSocket)
	logger.Log.Infof("Game server listening on %s", s.cfg.Server.HTTPAddress)
	return http.ListenAndServe(s.cfg.Server.HTTPAddress, nil)
}

// Shutdown 停止周期任务, 落一次房间快照, 关闭对外组件
func (s *GameServer) Shutdown() {
	close(s.shutdownChan)
	s.timers.Stop()
	s.snapshotRooms()
	s.rpcServer.Stop()
	if s.relay != nil {
		s.relay.Close()
	}
}

func (s *GameServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn)
}

func (s *GameServer) handleConnection(conn *websocket.Conn) {
	wsConn := network.NewWSConnection(conn)
	wsConn.SetHeartbeat(heartbeatInterval)
	sess := session.NewSession(uuid.New().String(), wsConn)
	s.sessionManager.Add(sess)
	s.monitor.IncOnlinePlayers()

	logger.Log.Infof("New connection from %s, session ID: %s", wsConn.RemoteAddr(), sess.GetID())

	defer func() {
		logger.Log.Infof("Connection closed from %s, session ID: %s", wsConn.RemoteAddr(), sess.GetID())
		s.monitor.DecOnlinePlayers()
		s.sessionManager.Remove(sess.GetID())
		s.leaveCurrentRoom(sess)
		wsConn.Close()
	}()

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
			packet, err := wsConn.ReadPacket()
			if err != nil {
				return
			}
			s.monitor.IncMessagesReceived()
			start := time.Now()
			s.handlePacket(sess, packet)
			s.monitor.ObserveMessageLatency(time.Since(start))
		}
	}
}

func (s *GameServer) handlePacket(sess *session.Session, packet *network.Packet) {
	switch packet.MsgID {
	case network.MsgTypeHeartbeat:
		sess.LastActive = time.Now()
	case network.MsgTypeCreateRoom:
		s.handleCreateRoom(sess, packet)
	case network.MsgTypeJoinRoom:
		s.handleJoinRoom(sess, packet)
	case network.MsgTypeLeaveRoom:
		s.handleLeaveRoom(sess)
	case network.MsgTypeGameMove:
		s.handleGameMove(sess, packet)
	case network.MsgTypeGameMoveBatch:
		s.handleGameMoveBatch(sess, packet)
	case network.MsgTypeGameSyncRequest:
		s.handleSyncRequest(sess, packet)
	default:
		logger.Log.Infof("Unknown message type: %d", packet.MsgID)
	}
}

func (s *GameServer) handleCreateRoom(sess *session.Session, packet *network.Packet) {
	var req models.CreateRoomRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		logger.Log.Warnf("Session %s sent invalid create request: %v", sess.GetID(), err)
		return
	}
	if req.PlayerID == "" {
		logger.Log.Warnf("Session %s tried to create a room without a player id", sess.GetID())
		return
	}
	s.bindPlayer(sess, req.PlayerID, req.PlayerName)

	roomID := uuid.New().String()
	r, err := s.roomManager.CreateRoom(roomID, req.Name, req.GameType, req.MaxPlayers, s.broadcaster, s.roomOpts)
	if err != nil {
		logger.Log.Warnf("Session %s failed to create room: %v", sess.GetID(), err)
		return
	}
	s.attachGameEnd(r)

	s.leaveCurrentRoom(sess)
	if err := r.Join(sess); err != nil {
		logger.Log.Warnf("Session %s failed to join new room %s: %v", sess.GetID(), roomID, err)
		s.roomManager.RemoveRoom(roomID)
		return
	}
	logger.Log.Infof("Session %s created room %s (%s)", sess.GetID(), roomID, req.GameType)
}

func (s *GameServer) handleJoinRoom(sess *session.Session, packet *network.Packet) {
	var req models.JoinRoomRequest
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		logger.Log.Warnf("Session %s sent invalid join request: %v", sess.GetID(), err)
		return
	}
	if req.PlayerID == "" {
		logger.Log.Warnf("Session %s tried to join without a player id", sess.GetID())
		return
	}
	s.bindPlayer(sess, req.PlayerID, req.PlayerName)

	var r *room.Room
	if req.RoomID != "" {
		var exists bool
		r, exists = s.roomManager.GetRoom(req.RoomID)
		if !exists {
			logger.Log.Warnf("Session %s tried to join unknown room %s", sess.GetID(), req.RoomID)
			return
		}
	} else if req.GameType != "" {
		// 匹配一个等待中的同类型房间, 没有就开一个
		r = s.roomManager.FindAvailableRoom(req.GameType)
		if r == nil {
			created, err := s.roomManager.CreateRoom(uuid.New().String(), "", req.GameType, 0, s.broadcaster, s.roomOpts)
			if err != nil {
				logger.Log.Warnf("Session %s failed to matchmake %s: %v", sess.GetID(), req.GameType, err)
				return
			}
			s.attachGameEnd(created)
			r = created
		}
	} else {
		logger.Log.Warnf("Session %s sent join request without room or game type", sess.GetID())
		return
	}

	s.leaveCurrentRoom(sess)
	if err := r.Join(sess); err != nil {
		logger.Log.Warnf("Session %s failed to join room %s: %v", sess.GetID(), r.GetID(), err)
		return
	}
	logger.Log.Infof("Session %s joined room %s as %s", sess.GetID(), r.GetID(), sess.PlayerID)
}

func (s *GameServer) handleLeaveRoom(sess *session.Session) {
	s.leaveCurrentRoom(sess)
}

func (s *GameServer) handleGameMove(sess *session.Session, packet *network.Packet) {
	r, ok := s.sessionRoom(sess)
	if !ok {
		logger.Log.Warnf("Session %s sent a move but is not in a room", sess.GetID())
		return
	}

	var payload models.MovePayload
	if err := json.Unmarshal(packet.Data, &payload); err != nil {
		logger.Log.Warnf("Session %s sent invalid move payload: %v", sess.GetID(), err)
		return
	}
	// 操作只能以会话绑定的玩家身份提交
	if payload.Move.PlayerID != sess.PlayerID {
		logger.Log.Warnf("Session %s sent a move for player %s", sess.GetID(), payload.Move.PlayerID)
		return
	}
	if !s.allowMoves(sess, 1) {
		return
	}

	start := time.Now()
	result := r.HandleMove(sess, &payload.Move)
	s.monitor.ObserveApplyLatency(time.Since(start))
	s.countApplyResult(result)
}

func (s *GameServer) handleGameMoveBatch(sess *session.Session, packet *network.Packet) {
	r, ok := s.sessionRoom(sess)
	if !ok {
		logger.Log.Warnf("Session %s sent a move batch but is not in a room", sess.GetID())
		return
	}

	var payload models.MoveBatchPayload
	if err := json.Unmarshal(packet.Data, &payload); err != nil {
		logger.Log.Warnf("Session %s sent invalid move batch: %v", sess.GetID(), err)
		return
	}
	if len(payload.Moves) == 0 {
		return
	}
	for i := range payload.Moves {
		if payload.Moves[i].PlayerID != sess.PlayerID {
			logger.Log.Warnf("Session %s sent a batch containing moves for player %s",
				sess.GetID(), payload.Moves[i].PlayerID)
			return
		}
	}
	if !s.allowMoves(sess, len(payload.Moves)) {
		return
	}

	start := time.Now()
	applied := r.HandleMoveBatch(sess, payload.Moves)
	s.monitor.ObserveApplyLatency(time.Since(start))
	s.monitor.AddMovesApplied(applied)
	if rejected := len(payload.Moves) - applied; rejected > 0 {
		s.monitor.AddMovesRejected(rejected)
	}
}

func (s *GameServer) handleSyncRequest(sess *session.Session, packet *network.Packet) {
	r, ok := s.sessionRoom(sess)
	if !ok {
		logger.Log.Warnf("Session %s requested sync but is not in a room", sess.GetID())
		return
	}

	var req models.SyncRequestPayload
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		logger.Log.Warnf("Session %s sent invalid sync request: %v", sess.GetID(), err)
		return
	}

	logger.Log.Debugf("Session %s requested sync at local version %d, authoritative %d",
		sess.GetID(), req.LocalVersion, r.Version())
	r.HandleSyncRequest(sess)
	s.monitor.IncResyncsServed()
}

// bindPlayer 绑定玩家身份到会话, 准备限流器并确保玩家档案存在
func (s *GameServer) bindPlayer(sess *session.Session, playerID, name string) {
	if sess.PlayerID == playerID {
		return
	}
	sess.PlayerID = playerID
	sess.Set(sessionKeyLimiter, rate.NewLimiter(rate.Limit(s.cfg.Sync.MoveRatePerSec), s.cfg.Sync.MoveBurst))

	if _, err := s.playerService.EnsurePlayer(playerID, name); err != nil {
		logger.Log.Warnf("Failed to load profile for player %s: %v", playerID, err)
	}
}

// allowMoves 按会话限流, 超速的操作直接丢弃, 客户端靠重同步恢复
func (s *GameServer) allowMoves(sess *session.Session, n int) bool {
	limiter, ok := sess.Get(sessionKeyLimiter).(*rate.Limiter)
	if !ok {
		return true
	}
	if limiter.AllowN(time.Now(), n) {
		return true
	}
	logger.Log.Warnf("Session %s exceeded the move rate limit", sess.GetID())
	s.monitor.AddMovesRejected(n)
	return false
}

func (s *GameServer) countApplyResult(result state.ApplyResult) {
	switch result {
	case state.ApplyOK:
		s.monitor.IncMovesApplied()
	case state.ApplyDuplicate:
		s.monitor.IncDuplicatesSeen()
	case state.ApplyVersionConflict:
		s.monitor.IncVersionConflicts()
	default:
		s.monitor.IncMovesRejected()
	}
}

func (s *GameServer) sessionRoom(sess *session.Session) (*room.Room, bool) {
	if sess.RoomID == "" {
		return nil, false
	}
	return s.roomManager.GetRoom(sess.RoomID)
}

func (s *GameServer) leaveCurrentRoom(sess *session.Session) {
	roomID := sess.RoomID
	if roomID == "" {
		return
	}
	r, exists := s.roomManager.GetRoom(roomID)
	if !exists {
		sess.RoomID = ""
		return
	}

	remaining := r.Leave(sess.GetID())
	logger.Log.Infof("Session %s left room %s, %d still connected", sess.GetID(), roomID, remaining)
	if remaining == 0 {
		s.removeIfAbandoned(r)
	}
}

// attachGameEnd 终局后记录战绩并结算积分
func (s *GameServer) attachGameEnd(r *room.Room) {
	r.SetOnGameEnd(func(final *state.GameState, duration time.Duration) {
		record := s.matchService.BuildRecord(final, duration)
		if err := s.matchService.RecordMatch(record); err != nil {
			logger.Log.Errorf("Failed to record match for room %s: %v", final.RoomID, err)
			return
		}
		winner := record.WinnerID
		if winner == "" {
			winner = "draw"
		}
		logger.Log.Infof("Game finished in room %s after %s, result: %s", final.RoomID, duration, winner)
	})
}

// snapshotRooms 周期任务: 房间快照落库, 清理空房间, 刷新房间数指标
func (s *GameServer) snapshotRooms() {
	for _, r := range s.roomManager.Rooms() {
		if len(r.GetSessions()) == 0 && s.removeIfAbandoned(r) {
			continue
		}
		if snapshot := r.Snapshot(); snapshot != nil {
			if err := s.db.SaveRoomSnapshot(snapshot); err != nil {
				logger.Log.Warnf("Failed to save snapshot for room %s: %v", r.GetID(), err)
			}
		}
	}
	s.monitor.SetActiveRooms(s.roomManager.Count())
}

// removeIfAbandoned 清理没有任何连接的房间
// 等待中和已结束的直接清, 暂停中的保留一个重连窗口
func (s *GameServer) removeIfAbandoned(r *room.Room) bool {
	status := r.Status()
	stale := false
	if st := r.State(); st != nil && st.LastUpdate > 0 {
		stale = time.Since(time.UnixMilli(st.LastUpdate)) > reconnectWindow
	}
	if status != state.StatusWaiting && status != state.StatusFinished && !stale {
		return false
	}

	roomID := r.GetID()
	s.roomManager.RemoveRoom(roomID)
	if err := s.db.DeleteRoomSnapshot(roomID); err != nil {
		logger.Log.Warnf("Failed to delete snapshot for room %s: %v", roomID, err)
	}
	logger.Log.Infof("Removed abandoned room %s (%s)", roomID, status)
	return true
}
