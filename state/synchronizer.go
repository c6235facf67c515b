package state

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// 同步器默认参数
const (
	DefaultPendingCap        = 128
	DefaultPendingCutoff     = 30 * time.Second
	DefaultReconcileInterval = time.Second
	DefaultWarnThreshold     = 32
)

// ApplyResult 一次操作的处理结果
type ApplyResult int

const (
	ApplyOK ApplyResult = iota
	ApplyNoState
	ApplyDuplicate
	ApplyVersionConflict
	ApplyNotApplicable
)

// Applied 操作是否成功应用
func (r ApplyResult) Applied() bool {
	return r == ApplyOK
}

func (r ApplyResult) String() string {
	switch r {
	case ApplyOK:
		return "ok"
	case ApplyNoState:
		return "no_state"
	case ApplyDuplicate:
		return "duplicate"
	case ApplyVersionConflict:
		return "version_conflict"
	case ApplyNotApplicable:
		return "not_applicable"
	default:
		return "unknown"
	}
}

// PendingMove 已发送但尚未被确认的本地操作
type PendingMove struct {
	Move       Move
	EnqueuedAt time.Time
}

// PendingAlert 待确认队列积压告警
// 队列持续增长说明操作发出后始终没有被确认, 通常意味着失步或传输丢失
type PendingAlert struct {
	RoomID    string
	Depth     int
	OldestAge time.Duration
}

// Options 同步器可调参数, 零值字段使用默认值
type Options struct {
	Clock             clockwork.Clock
	PendingCap        int
	PendingCutoff     time.Duration
	ReconcileInterval time.Duration
	WarnThreshold     int

	// OnSyncNeeded 在版本冲突或主动请求时触发, 由外层发送 sync_request
	OnSyncNeeded func(roomID string, localVersion int64)
	// OnPendingAlert 在协调循环发现队列超过告警阈值时触发
	OnPendingAlert func(alert PendingAlert)
}

// Synchronizer 持有一个房间的权威本地状态副本
// 版本号随每次成功应用 +1, 任何分歧都通过整体重同步恢复, 不做局部修补
type Synchronizer struct {
	roomID  string
	resolve ApplierResolver

	mutex   sync.RWMutex
	current *GameState
	pending []PendingMove
	applied map[string]uint64 // playerID -> 已应用的最大序号

	clock             clockwork.Clock
	pendingCap        int
	pendingCutoff     time.Duration
	reconcileInterval time.Duration
	warnThreshold     int
	onSyncNeeded      func(roomID string, localVersion int64)
	onPendingAlert    func(alert PendingAlert)

	running  bool
	stopChan chan struct{}
}

// NewSynchronizer 创建同步器, resolve 按游戏类型选择 Applier
func NewSynchronizer(roomID string, resolve ApplierResolver, opts Options) *Synchronizer {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = DefaultPendingCap
	}
	if opts.PendingCutoff <= 0 {
		opts.PendingCutoff = DefaultPendingCutoff
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.WarnThreshold <= 0 {
		opts.WarnThreshold = DefaultWarnThreshold
	}

	return &Synchronizer{
		roomID:            roomID,
		resolve:           resolve,
		applied:           make(map[string]uint64),
		clock:             opts.Clock,
		pendingCap:        opts.PendingCap,
		pendingCutoff:     opts.PendingCutoff,
		reconcileInterval: opts.ReconcileInterval,
		warnThreshold:     opts.WarnThreshold,
		onSyncNeeded:      opts.OnSyncNeeded,
		onPendingAlert:    opts.OnPendingAlert,
	}
}

// RoomID 返回所属房间ID
func (s *Synchronizer) RoomID() string {
	return s.roomID
}

// SetLocalState 整体替换本地状态, 用于加入房间和收到 sync_response
// 这是受信任的覆盖, 不做版本校验; 本地未确认历史同时被丢弃
func (s *Synchronizer) SetLocalState(st *GameState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.current = st.Clone()
	s.pending = nil
}

// State 返回当前状态的快照, 未初始化时返回 nil
func (s *Synchronizer) State() *GameState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.current.Clone()
}

// HasState 本地状态是否已初始化
func (s *Synchronizer) HasState() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.current != nil
}

// Version 返回当前版本号, 未初始化时返回 -1
func (s *Synchronizer) Version() int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.current == nil {
		return -1
	}
	return s.current.Version
}

// AddPendingMove 记录一条已发出待确认的本地操作
// 超过容量上限时丢弃较旧的一半, 这是有界的尽力缓冲, 不是持久日志
func (s *Synchronizer) AddPendingMove(mv Move) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.pending = append(s.pending, PendingMove{Move: mv, EnqueuedAt: s.clock.Now()})
	if len(s.pending) > s.pendingCap {
		half := len(s.pending) / 2
		s.pending = append([]PendingMove(nil), s.pending[half:]...)
	}
}

// PendingDepth 返回待确认队列长度
func (s *Synchronizer) PendingDepth() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.pending)
}

// ApplyRemoteMove 校验并应用一条远端操作, 返回是否成功应用
func (s *Synchronizer) ApplyRemoteMove(mv *Move) bool {
	return s.ApplyMove(mv).Applied()
}

// ApplyMove 与 ApplyRemoteMove 相同, 但返回具体的处理结果供上层统计
func (s *Synchronizer) ApplyMove(mv *Move) ApplyResult {
	if mv == nil {
		return ApplyNotApplicable
	}

	s.mutex.Lock()
	result := s.applyLocked(mv)
	version := int64(-1)
	if s.current != nil {
		version = s.current.Version
	}
	s.mutex.Unlock()

	// 回调在锁外触发, 允许回调里再进入同步器
	if result == ApplyVersionConflict && s.onSyncNeeded != nil {
		s.onSyncNeeded(s.roomID, version)
	}
	return result
}

func (s *Synchronizer) applyLocked(mv *Move) ApplyResult {
	if s.current == nil {
		return ApplyNoState
	}

	// 重复检测: 序号不大于该玩家已应用的最大序号视为重复
	// 重复到达同时意味着这条操作已被确认, 顺带从待确认队列移除
	if last, seen := s.applied[mv.PlayerID]; seen && mv.Sequence <= last {
		s.removePendingLocked(mv.PlayerID, mv.Sequence)
		return ApplyDuplicate
	}

	// 版本校验: 发送方基于的版本必须与本地一致, 否则双方已经失步
	if mv.StateVersionAtSend != s.current.Version {
		return ApplyVersionConflict
	}

	applier, exists := s.resolve(s.current.GameKind)
	if !exists {
		return ApplyNotApplicable
	}

	newBoard, applicable := applier(s.current.Board, mv)
	if !applicable {
		return ApplyNotApplicable
	}

	s.current.Board = newBoard
	s.current.Version++
	s.current.LastUpdate = s.clock.Now().UnixMilli()
	s.applied[mv.PlayerID] = mv.Sequence
	return ApplyOK
}

func (s *Synchronizer) removePendingLocked(playerID string, sequence uint64) {
	for i, p := range s.pending {
		if p.Move.PlayerID == playerID && p.Move.Sequence == sequence {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// RequestStateSync 主动请求一次权威状态同步
func (s *Synchronizer) RequestStateSync() {
	if s.onSyncNeeded == nil {
		return
	}
	s.onSyncNeeded(s.roomID, s.Version())
}

// Reconcile 执行一轮协调: 清理过期的待确认操作, 必要时触发积压告警
// 返回本轮清理的条目数
func (s *Synchronizer) Reconcile() int {
	now := s.clock.Now()

	s.mutex.Lock()
	kept := s.pending[:0]
	for _, p := range s.pending {
		if now.Sub(p.EnqueuedAt) <= s.pendingCutoff {
			kept = append(kept, p)
		}
	}
	pruned := len(s.pending) - len(kept)
	s.pending = kept

	var alert *PendingAlert
	if len(s.pending) > s.warnThreshold {
		alert = &PendingAlert{
			RoomID:    s.roomID,
			Depth:     len(s.pending),
			OldestAge: now.Sub(s.pending[0].EnqueuedAt),
		}
	}
	s.mutex.Unlock()

	if alert != nil && s.onPendingAlert != nil {
		s.onPendingAlert(*alert)
	}
	return pruned
}

// Start 启动周期性协调循环
func (s *Synchronizer) Start() {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mutex.Unlock()

	go func() {
		ticker := s.clock.NewTicker(s.reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				s.Reconcile()
			case <-stop:
				return
			}
		}
	}()
}

// Stop 停止协调循环, 可重复调用
func (s *Synchronizer) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
}
