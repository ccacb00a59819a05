package internal

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// 系統設計問題：
//   如何在多人連線下協調「倒數啟動、任一成員可取消」的遊戲發車流程？
//
// 核心挑戰：
//   1. 狀態管理：房間只有三個狀態（join → wait → play → join），
//      但轉換全部由非同步事件觸發（指令、斷線、每秒倒數）
//   2. 倒數取消：取消必須與狀態轉換同步生效，不能留下「再觸發一次」
//      的殘留計時器（否則出現重複發車或對空房間發車）
//   3. 中途離場：play 狀態下成員離開要立刻終止會話並讓其餘成員看到
//   4. 一致性：members / usernames / addresses 三份資料必須同進同出
//
// 設計方案：
//   ✅ 有限狀態機 - join/wait/play 三態，play 結束必回 join
//   ✅ 可取消的計時器把手 - 每次觸發先驗證狀態，取消即失效
//   ✅ 互斥鎖 - 單房間的變更不交錯（原實作依賴單執行緒事件迴圈）
//   ✅ 廣播於解鎖後觸發 - 鎖順序單向，快照必為變更後的完整狀態

// Status 房間狀態，同時也是線上格式中的字面值
type Status string

const (
	StatusJoin Status = "join" // 開放加入
	StatusWait Status = "wait" // 倒數發車中，可取消
	StatusPlay Status = "play" // 會話進行中
)

// 房間參數
const (
	// MaxMembers 單一房間的人數上限
	MaxMembers = 4
	// WaitTime 發車前的倒數總長
	WaitTime = 10 * time.Second
	// countdownInterval 倒數的廣播節奏
	countdownInterval = time.Second
)

// Details 加入房間時客戶端提供的玩家資料。
// Address 為不透明的身份字串（例如錢包位址），核心不驗證其內容。
type Details struct {
	Username string
	Address  string
}

// RoomState 推送給客戶端的房間快照
type RoomState struct {
	Status    Status            `json:"status"`
	Wait      int               `json:"wait"` // 倒數剩餘秒數，非 wait 狀態為 0
	Users     []string          `json:"users"`
	Addresses map[string]string `json:"addresses"`
	Usernames map[string]string `json:"usernames"`
	IsFull    bool              `json:"is_full"`
}

// ChangeNotifier 房間狀態變更後的廣播出口（由 Manager 實作）
type ChangeNotifier interface {
	// RoomChanged 將房間快照推送給其全部成員
	RoomChanged(r *Room)
	// MemberChanged 將指定連線所在房間的快照推送給該連線（倒數期間逐一使用）
	MemberChanged(sid string)
}

// Room 單一遊戲房間。
//
// 不變量：
//   - len(members) <= MaxMembers 恆成立
//   - members / usernames / addresses 同進同出
//   - session 非 nil 若且唯若 status == play
//   - timer 存活若且唯若 status == wait
//
// Room 只由 Manager 的事件路由與自身的倒數計時觸碰；
// 前置條件違反代表路由層的缺陷，直接 panic 而不是默默繼續。
type Room struct {
	id string

	mu        sync.Mutex
	status    Status
	members   []string          // 插入順序即座位順序
	usernames map[string]string // sid -> 顯示名稱
	addresses map[string]string // sid -> 身份位址
	waited    time.Duration     // 倒數已累計時間
	timer     Timer             // 倒數計時把手，僅 wait 狀態存活
	session   GameSession       // 僅 play 狀態非 nil

	createdAt  time.Time
	emptySince time.Time // 房間變空的時刻，有人時為零值

	factory SessionFactory
	sched   Scheduler
	notify  ChangeNotifier
	logger  *slog.Logger
}

// NewRoom 創建空房間（初始為 join 狀態）
func NewRoom(id string, factory SessionFactory, sched Scheduler, notify ChangeNotifier, logger *slog.Logger) *Room {
	now := time.Now()
	return &Room{
		id:         id,
		status:     StatusJoin,
		usernames:  make(map[string]string),
		addresses:  make(map[string]string),
		createdAt:  now,
		emptySince: now,
		factory:    factory,
		sched:      sched,
		notify:     notify,
		logger:     logger,
	}
}

// ID 回傳房間識別碼
func (r *Room) ID() string {
	return r.id
}

// Join 將連線加入房間。
// 房間已滿回傳 false 且不做任何變更（屬預期的配對結果，由呼叫端
// 另尋房間）；重複加入只刷新名稱與位址，不改變成員順序。
// 於非 join 狀態呼叫屬路由缺陷。
func (r *Room) Join(sid string, details Details) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusJoin {
		panic(fmt.Sprintf("room %s: 於 %s 狀態加入成員 %s", r.id, r.status, sid))
	}

	if !slices.Contains(r.members, sid) {
		if len(r.members) >= MaxMembers {
			return false
		}
		r.members = append(r.members, sid)
	}

	r.usernames[sid] = details.Username
	r.addresses[sid] = details.Address
	r.emptySince = time.Time{}
	return true
}

// Leave 將成員移出房間。
// wait 狀態先取消發車倒數、play 狀態強制終止會話，兩者皆回到 join
// 並由房間廣播；join 狀態單純移除。回傳是否已就此變更廣播，
// 廣播只有一個負責方，呼叫端僅在回傳 false 時補發。
// 非成員呼叫屬路由缺陷。
func (r *Room) Leave(sid string) bool {
	r.mu.Lock()

	idx := slices.Index(r.members, sid)
	if idx == -1 {
		r.mu.Unlock()
		panic(fmt.Sprintf("room %s: 移除非成員 %s", r.id, sid))
	}

	changed := false
	switch r.status {
	case StatusWait:
		r.cancelLocked()
		changed = true
	case StatusPlay:
		r.session.Quit()
		r.session = nil
		r.status = StatusJoin
		changed = true
	}

	r.members = slices.Delete(r.members, idx, idx+1)
	delete(r.usernames, sid)
	delete(r.addresses, sid)
	if len(r.members) == 0 {
		r.emptySince = time.Now()
	}
	r.mu.Unlock()

	if changed {
		r.notify.RoomChanged(r)
	}
	return changed
}

// RunGame 開始發車倒數。
// 遊戲不會立即開始：倒數期間（WaitTime）房間內任何成員都能取消。
// 僅允許於 join 狀態且房間非空時呼叫。
func (r *Room) RunGame() {
	r.mu.Lock()

	if r.status != StatusJoin {
		status := r.status
		r.mu.Unlock()
		panic(fmt.Sprintf("room %s: 於 %s 狀態發車", r.id, status))
	}
	if len(r.members) == 0 {
		r.mu.Unlock()
		panic(fmt.Sprintf("room %s: 空房間發車", r.id))
	}

	r.status = StatusWait
	r.waited = 0
	r.timer = r.sched.AfterFunc(countdownInterval, r.tick)
	members := len(r.members)
	r.mu.Unlock()

	r.logger.Info("開始發車倒數", "room_id", r.id, "members", members)
	r.notify.RoomChanged(r)
}

// tick 倒數計時觸發。
// 每次觸發先重新驗證狀態：取消與轉換同步生效後，殘留的觸發
// 必須是 no-op，否則會對已變更的房間重複發車。
func (r *Room) tick() {
	r.mu.Lock()

	if r.status != StatusWait || r.timer == nil {
		// 取消競態下的殘留觸發
		r.mu.Unlock()
		return
	}

	r.waited += countdownInterval
	if r.waited < WaitTime {
		r.timer = r.sched.AfterFunc(countdownInterval, r.tick)
		members := slices.Clone(r.members)
		r.mu.Unlock()

		// 倒數期間逐一推送，驅動客戶端顯示剩餘秒數
		for _, sid := range members {
			r.notify.MemberChanged(sid)
		}
		return
	}

	// 倒數結束，發車
	if len(r.members) == 0 || len(r.members) > MaxMembers {
		count := len(r.members)
		r.mu.Unlock()
		panic(fmt.Sprintf("room %s: 發車時成員數異常 (%d)", r.id, count))
	}

	r.timer = nil
	r.status = StatusPlay
	r.session = r.factory(slices.Clone(r.members), r)
	session := r.session
	r.mu.Unlock()

	r.logger.Info("倒數結束，會話開始", "room_id", r.id)
	session.Refresh()
	r.notify.RoomChanged(r)
}

// CancelGame 取消發車倒數，房間回到 join 狀態。
// 僅允許於 wait 狀態（且倒數計時存活）呼叫。
func (r *Room) CancelGame() {
	r.mu.Lock()

	if r.status != StatusWait || r.timer == nil {
		status := r.status
		r.mu.Unlock()
		panic(fmt.Sprintf("room %s: 於 %s 狀態取消發車", r.id, status))
	}

	r.cancelLocked()
	r.mu.Unlock()

	r.logger.Info("發車倒數已取消", "room_id", r.id)
	r.notify.RoomChanged(r)
}

// cancelLocked 停止倒數並回到 join；呼叫端需持有鎖且已確認倒數存活
func (r *Room) cancelLocked() {
	r.timer.Stop()
	r.timer = nil
	r.status = StatusJoin
}

// StartGame 將開始訊號轉交給會話中該成員的座位
func (r *Room) StartGame(sid string) {
	r.mu.Lock()

	seat := slices.Index(r.members, sid)
	if seat == -1 {
		r.mu.Unlock()
		panic(fmt.Sprintf("room %s: 非成員 %s 開始遊戲", r.id, sid))
	}
	if r.status != StatusPlay || r.session == nil {
		r.mu.Unlock()
		panic(fmt.Sprintf("room %s: 於 %s 狀態開始遊戲", r.id, r.status))
	}

	session := r.session
	r.mu.Unlock()

	session.Start(seat)
}

// NotifyEnd 會話自然結束的回呼：丟棄會話、房間重新開放並廣播。
// 回合結束的計時與成員離場會競爭：離場若先贏得房間鎖，會話已被
// Quit 換掉，遲到的結束通知憑會話身份辨認後靜默忽略。
func (r *Room) NotifyEnd(session GameSession) {
	r.mu.Lock()

	if r.status != StatusPlay || r.session != session {
		r.mu.Unlock()
		return
	}

	r.session = nil
	r.status = StatusJoin
	r.mu.Unlock()

	r.notify.RoomChanged(r)
}

// ReceiveKeyboard 轉交方向輸入給會話。
// 非 play 狀態為 no-op；非成員呼叫屬路由缺陷。
func (r *Room) ReceiveKeyboard(sid string, dir Direction) {
	r.mu.Lock()

	seat := slices.Index(r.members, sid)
	if seat == -1 {
		r.mu.Unlock()
		panic(fmt.Sprintf("room %s: 非成員 %s 送出方向輸入", r.id, sid))
	}
	if r.status != StatusPlay {
		r.mu.Unlock()
		return
	}

	session := r.session
	r.mu.Unlock()

	session.SetDirection(dir, seat)
}

// Rename 刷新成員的顯示名稱；非成員則忽略
func (r *Room) Rename(sid, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.usernames[sid]; ok {
		r.usernames[sid] = username
	}
}

// Snapshot 產生房間當前狀態的快照（無副作用）
func (r *Room) Snapshot() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()

	wait := 0
	if r.status == StatusWait {
		wait = int((WaitTime - r.waited) / time.Second)
	}

	users := slices.Clone(r.members)
	if users == nil {
		users = []string{}
	}

	addresses := make(map[string]string, len(r.addresses))
	for sid, addr := range r.addresses {
		addresses[sid] = addr
	}
	usernames := make(map[string]string, len(r.usernames))
	for sid, name := range r.usernames {
		usernames[sid] = name
	}

	return RoomState{
		Status:    r.status,
		Wait:      wait,
		Users:     users,
		Addresses: addresses,
		Usernames: usernames,
		IsFull:    len(r.members) == MaxMembers,
	}
}

// Status 回傳房間當前狀態
func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Members 回傳有序成員列表的副本
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.members)
}

// IsFull 房間是否已滿
func (r *Room) IsFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == MaxMembers
}

// IsEmpty 房間是否沒有任何成員
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}

// Joinable 是否可接受新成員（配對用）
func (r *Room) Joinable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == StatusJoin && len(r.members) < MaxMembers
}

// IsExpired 空置的 join 房間超過 ttl 即視為過期，可由清理機制回收
func (r *Room) IsExpired(ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status == StatusJoin &&
		len(r.members) == 0 &&
		!r.emptySince.IsZero() &&
		time.Since(r.emptySince) > ttl
}
