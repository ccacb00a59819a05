package internal

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broadcaster 將序列化後的負載推送給指定連線（由 WebSocket Hub 實作）。
// 推送為單向 cache-and-forget：狀態每次廣播時從房間重建，不做差異比對。
type Broadcaster interface {
	Push(sid string, payload []byte)
}

const (
	// defaultUsername 連線註冊後、改名前的預設顯示名稱
	defaultUsername = "guest"
	// emptyRoomTTL 空置 join 房間的回收門檻
	emptyRoomTTL = 5 * time.Minute
	// reapInterval 回收掃描的週期
	reapInterval = time.Minute
)

// Manager 房間管理器：所有連線事件的入口。
//
// 職責：
//   - 連線註冊表：sid -> 顯示名稱 / 身份位址 / 所在房間 / 已確認房間
//   - 配對：優先補滿現有可加入的房間，否則創建新房間
//   - 路由：把單一連線的指令轉交給正確的 Room，轉交前先驗證
//     連線確實在房間內（否則記錄日誌後丟棄，避免觸發房間的致命斷言）
//   - 廣播：每次變更後將房間快照推送給所有受影響的連線
//
// 會改變房間狀態的指令一律在寫鎖內路由，維持「同一房間的變更
// 不交錯」的原始保證；純轉發的遊玩指令（start、方向鍵）只需讀鎖。
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*Room  // roomID -> Room
	connRoom map[string]*Room  // sid -> 所在房間
	connName map[string]string // sid -> 顯示名稱
	connAddr map[string]string // sid -> 身份位址
	connAck  map[string]string // sid -> 最後確認渲染的房間

	broadcaster Broadcaster
	factory     SessionFactory
	sched       Scheduler
	logger      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager 創建房間管理器並啟動空房回收
func NewManager(broadcaster Broadcaster, factory SessionFactory, sched Scheduler, logger *slog.Logger) *Manager {
	m := &Manager{
		rooms:       make(map[string]*Room),
		connRoom:    make(map[string]*Room),
		connName:    make(map[string]string),
		connAddr:    make(map[string]string),
		connAck:     make(map[string]string),
		broadcaster: broadcaster,
		factory:     factory,
		sched:       sched,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}

	m.wg.Add(1)
	go m.reapLoop()

	return m
}

// Register 記錄新連線，給予預設名稱；不分配房間
func (m *Manager) Register(sid string) {
	m.mu.Lock()
	m.connName[sid] = defaultUsername
	m.mu.Unlock()

	m.logger.Info("連線註冊", "sid", sid)
}

// Disconnect 移除連線的所有註冊資料；若連線在房間內則先離開房間。
// 對從未分配房間的連線呼叫也必須安全。
func (m *Manager) Disconnect(sid string) {
	m.mu.Lock()
	room := m.connRoom[sid]
	delete(m.connRoom, sid)
	delete(m.connName, sid)
	delete(m.connAddr, sid)
	delete(m.connAck, sid)
	broadcasted := false
	if room != nil {
		broadcasted = room.Leave(sid)
	}
	m.mu.Unlock()

	if room != nil && !broadcasted {
		m.RoomChanged(room)
	}
	m.logger.Info("連線中斷", "sid", sid)
}

// ChangeUsername 更新連線的顯示名稱與身份位址。
// 若連線已在房間內，房間的成員名稱於下一次廣播時反映新值。
func (m *Manager) ChangeUsername(sid, username, address string) {
	m.mu.Lock()
	if _, ok := m.connName[sid]; !ok {
		m.mu.Unlock()
		m.logger.Warn("未註冊的連線改名", "sid", sid)
		return
	}
	m.connName[sid] = username
	if address != "" {
		m.connAddr[sid] = address
	}
	room := m.connRoom[sid]
	m.mu.Unlock()

	if room != nil {
		room.Rename(sid, username)
	}
	m.logger.Info("改名", "sid", sid, "username", username)
}

// CreateRoom 創建新房間並將連線加入
func (m *Manager) CreateRoom(sid string) {
	m.mu.Lock()
	if m.connRoom[sid] != nil {
		m.mu.Unlock()
		m.logger.Warn("已在房間內的連線創建房間", "sid", sid)
		return
	}

	room := NewRoom(uuid.NewString(), m.factory, m.sched, m, m.logger)
	m.rooms[room.ID()] = room
	room.Join(sid, m.detailsLocked(sid))
	m.connRoom[sid] = room
	m.mu.Unlock()

	m.logger.Info("房間已創建", "room_id", room.ID(), "sid", sid)
	m.RoomChanged(room)
}

// JoinRoom 將連線加入指定房間。
// 房間不存在、已滿或不在 join 狀態時拒絕（不做任何變更）。
func (m *Manager) JoinRoom(sid, roomID string) {
	m.mu.Lock()
	if m.connRoom[sid] != nil {
		m.mu.Unlock()
		m.logger.Warn("已在房間內的連線加入房間", "sid", sid, "room_id", roomID)
		return
	}

	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("加入不存在的房間", "sid", sid, "room_id", roomID)
		return
	}
	if !room.Joinable() || !room.Join(sid, m.detailsLocked(sid)) {
		m.mu.Unlock()
		m.logger.Info("房間不可加入", "sid", sid, "room_id", roomID)
		return
	}
	m.connRoom[sid] = room
	m.mu.Unlock()

	m.logger.Info("加入房間", "sid", sid, "room_id", roomID)
	m.RoomChanged(room)
}

// JoinAnyRoom 配對：優先選擇成員最多的可加入房間（先補滿、後增生），
// 沒有可加入的房間才創建新的。
func (m *Manager) JoinAnyRoom(sid string) {
	m.mu.Lock()
	if m.connRoom[sid] != nil {
		m.mu.Unlock()
		m.logger.Warn("已在房間內的連線請求配對", "sid", sid)
		return
	}

	var best *Room
	bestSize := -1
	for _, room := range m.rooms {
		if !room.Joinable() {
			continue
		}
		if size := len(room.Members()); size > bestSize {
			best, bestSize = room, size
		}
	}

	if best == nil {
		best = NewRoom(uuid.NewString(), m.factory, m.sched, m, m.logger)
		m.rooms[best.ID()] = best
		m.logger.Info("配對創建新房間", "room_id", best.ID())
	}

	best.Join(sid, m.detailsLocked(sid))
	m.connRoom[sid] = best
	m.mu.Unlock()

	m.logger.Info("配對加入房間", "sid", sid, "room_id", best.ID())
	m.RoomChanged(best)
}

// LeaveRoom 使連線離開其所在房間並廣播
func (m *Manager) LeaveRoom(sid string) {
	m.mu.Lock()
	room := m.connRoom[sid]
	if room == nil {
		m.mu.Unlock()
		m.logger.Warn("不在房間內的連線離開房間", "sid", sid)
		return
	}
	delete(m.connRoom, sid)
	broadcasted := room.Leave(sid)
	m.mu.Unlock()

	m.logger.Info("離開房間", "sid", sid, "room_id", room.ID())
	if !broadcasted {
		m.RoomChanged(room)
	}
}

// AckRoomMember 記錄連線已確認渲染指定房間的成員變更。
// 純簿記，不改變房間狀態。
func (m *Manager) AckRoomMember(sid, roomID string) {
	m.mu.Lock()
	if _, ok := m.rooms[roomID]; !ok {
		m.mu.Unlock()
		m.logger.Warn("確認不存在的房間", "sid", sid, "room_id", roomID)
		return
	}
	m.connAck[sid] = roomID
	m.mu.Unlock()

	m.logger.Debug("房間成員確認", "sid", sid, "room_id", roomID)
}

// RunGame 路由發車指令。
// 房間的契約違反會沿著呼叫鏈上拋，defer 確保寫鎖不被拋出污染。
func (m *Manager) RunGame(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room := m.connRoom[sid]
	if room == nil {
		m.logger.Warn("不在房間內的連線發車", "sid", sid)
		return
	}
	room.RunGame()
}

// CancelGame 路由取消發車指令
func (m *Manager) CancelGame(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room := m.connRoom[sid]
	if room == nil {
		m.logger.Warn("不在房間內的連線取消發車", "sid", sid)
		return
	}
	room.CancelGame()
}

// StartGame 路由開始遊戲指令
func (m *Manager) StartGame(sid string) {
	room := m.GetRoom(sid)
	if room == nil {
		m.logger.Warn("不在房間內的連線開始遊戲", "sid", sid)
		return
	}
	room.StartGame(sid)
}

// Keyboard 路由方向輸入；不在房間內的輸入直接忽略
func (m *Manager) Keyboard(sid string, dir Direction) {
	room := m.GetRoom(sid)
	if room == nil {
		return
	}
	room.ReceiveKeyboard(sid, dir)
}

// GetRoom 回傳連線所在的房間；不在任何房間回傳 nil
func (m *Manager) GetRoom(sid string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connRoom[sid]
}

// NotifyChanges 將所有房間的快照推送給各自的成員
func (m *Manager) NotifyChanges() {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	for _, room := range rooms {
		m.RoomChanged(room)
	}
}

// NotifyMember 將連線所在房間的快照推送給該連線
func (m *Manager) NotifyMember(sid string) {
	m.MemberChanged(sid)
}

// RoomChanged 實作 ChangeNotifier：將房間快照推送給其全部成員。
// 不取用管理器的鎖，因此可在持鎖路徑與房間的計時回呼中安全觸發。
func (m *Manager) RoomChanged(r *Room) {
	state := r.Snapshot()
	payload, err := json.Marshal(state)
	if err != nil {
		m.logger.Error("序列化房間快照失敗", "room_id", r.ID(), "error", err)
		return
	}

	for _, sid := range state.Users {
		m.broadcaster.Push(sid, payload)
	}
}

// MemberChanged 實作 ChangeNotifier：推送單一連線所在房間的快照
func (m *Manager) MemberChanged(sid string) {
	room := m.GetRoom(sid)
	if room == nil {
		return
	}

	payload, err := json.Marshal(room.Snapshot())
	if err != nil {
		m.logger.Error("序列化房間快照失敗", "room_id", room.ID(), "error", err)
		return
	}
	m.broadcaster.Push(sid, payload)
}

// Rooms 回傳所有房間的快照（運維查詢用）
func (m *Manager) Rooms() map[string]RoomState {
	m.mu.RLock()
	rooms := make(map[string]*Room, len(m.rooms))
	for id, room := range m.rooms {
		rooms[id] = room
	}
	m.mu.RUnlock()

	states := make(map[string]RoomState, len(rooms))
	for id, room := range rooms {
		states[id] = room.Snapshot()
	}
	return states
}

// Stats 統計資訊
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byStatus := make(map[Status]int)
	totalPlayers := 0
	for _, room := range m.rooms {
		byStatus[room.Status()]++
		totalPlayers += len(room.Members())
	}

	return map[string]any{
		"total_rooms":       len(m.rooms),
		"total_connections": len(m.connName),
		"total_players":     totalPlayers,
		"by_status":         byStatus,
	}
}

// Reap 執行一次空房回收（公開供測試使用）
func (m *Manager) Reap() {
	m.reap()
}

// reapLoop 週期性回收空置過久的房間
func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reap()
		case <-m.stopCh:
			return
		}
	}
}

// reap 移除過期房間。
// 空房保留到 TTL 為止：在此之前它是配對的首選（免去重建），
// 之後才回收記憶體。wait/play 狀態的房間必然非空，不會被回收。
func (m *Manager) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, room := range m.rooms {
		if room.IsExpired(emptyRoomTTL) {
			delete(m.rooms, id)
			m.logger.Info("空房已回收", "room_id", id)
		}
	}
}

// Stop 停止管理器的背景工作
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("房間管理器已停止")
}

// detailsLocked 以註冊表內容組出加入房間用的玩家資料；呼叫端需持有鎖
func (m *Manager) detailsLocked(sid string) Details {
	return Details{
		Username: m.connName[sid],
		Address:  m.connAddr[sid],
	}
}
