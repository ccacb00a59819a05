package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何把瀏覽器的指令流接進房間管理器，並把房間狀態即時推回去？
//
// 核心挑戰：
//   1. 生命週期：連線在加入任何房間之前就存在，斷線時要能安全退場
//   2. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   3. 並發推送：狀態廣播不能被慢客戶端拖住
//   4. 缺陷隔離：路由層漏掉前置條件檢查時，讓該請求路徑崩潰
//      而不是整個行程（房間的斷言以 panic 表達）
//
// 設計方案：
//   ✅ Hub 模式 - 以連線 ID 為鍵集中管理所有連線
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel - 異步發送，緩衝滿即丟棄該則推送
//   ✅ recover - 指令分派處攔截契約違反，記錄後關閉肇事連線

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // 須小於 pongWait，預留網絡往返餘量
	sendBuffer = 256
)

// clientCommand 客戶端送入的指令，一則訊息一條
type clientCommand struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// helloMessage 連線建立後告知客戶端其連線識別碼
type helloMessage struct {
	Sid string `json:"sid"`
}

// Hub WebSocket 連線中心。
// 以連線 ID 為鍵管理所有連線（連線不必屬於任何房間），
// 並以 Broadcaster 的身份替 Manager 推送房間快照。
type Hub struct {
	manager     *Manager
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	connections map[string]*Connection // sid -> Connection
	mu          sync.RWMutex
}

// Connection 單一 WebSocket 連線
type Connection struct {
	Sid       string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	closeOnce sync.Once
}

// NewHub 創建 WebSocket Hub；Manager 由 Attach 綁定
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]*Connection),
	}
}

// Attach 綁定房間管理器（Hub 與 Manager 互相依賴，先建 Hub 再綁定）
func (hub *Hub) Attach(m *Manager) {
	hub.manager = m
}

// ServeWS 處理 WebSocket 連線：升級、配發連線 ID、註冊、啟動讀寫
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connection := &Connection{
		Sid:  uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  hub,
	}

	hub.register(connection)
	hub.manager.Register(connection.Sid)

	// 告知客戶端其連線識別碼（之後的 users 列表以此為準）
	if hello, err := json.Marshal(helloMessage{Sid: connection.Sid}); err == nil {
		connection.send <- hello
	}

	go connection.writePump()
	go connection.readPump()

	hub.logger.Info("WebSocket 連線建立", "sid", connection.Sid)
}

// Push 實作 Broadcaster：將負載排入連線的發送緩衝。
// 讀鎖覆蓋整個發送：unregister 在寫鎖內 close(send)，
// 發送不在鎖內會撞上已關閉的 channel。
func (hub *Hub) Push(sid string, payload []byte) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	connection := hub.connections[sid]
	if connection == nil {
		return
	}

	select {
	case connection.send <- payload:
	default:
		// 緩衝區滿：丟棄這次推送，下一次廣播會重建完整狀態
		hub.logger.Warn("連線緩衝區滿", "sid", sid)
	}
}

// register 註冊連線
func (hub *Hub) register(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.connections[conn.Sid] = conn
}

// unregister 取消註冊並通知管理器該連線已離線
func (hub *Hub) unregister(conn *Connection) {
	hub.mu.Lock()
	registered := hub.connections[conn.Sid] == conn
	if registered {
		delete(hub.connections, conn.Sid)
		conn.closeOnce.Do(func() {
			close(conn.send)
		})
	}
	hub.mu.Unlock()

	if registered {
		hub.manager.Disconnect(conn.Sid)
	}
}

// Stop 關閉所有連線
func (hub *Hub) Stop() {
	hub.mu.Lock()
	for _, conn := range hub.connections {
		conn.closeOnce.Do(func() {
			close(conn.send)
		})
		conn.conn.Close()
	}
	hub.connections = make(map[string]*Connection)
	hub.mu.Unlock()

	hub.logger.Info("WebSocket Hub 已停止")
}

// ConnectionCount 當前連線數
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// readPump 讀取客戶端指令。
// 60 秒內沒有任何訊息（含 Pong）即視為死連接關閉；
// 收到 Pong 時重置期限，配合 writePump 的 54 秒 Ping。
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket 讀取錯誤", "error", err, "sid", c.Sid)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.handleCommand(message)
		}
	}
}

// writePump 寫入訊息並定期發送 Ping
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，送出關閉訊框後結束
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量送出佇列中的訊息
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleCommand 解析並分派一則客戶端指令。
// 房間的前置條件斷言以 panic 表達；這裡 recover 讓缺陷只
// 擊落肇事的請求路徑與連線，而不是整個行程。
func (c *Connection) handleCommand(message []byte) {
	defer func() {
		if err := recover(); err != nil {
			c.hub.logger.Error("指令處理觸發契約違反，關閉連線",
				"sid", c.Sid,
				"panic", err)
			c.conn.Close()
		}
	}()

	var cmd clientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.hub.logger.Error("解析客戶端指令失敗", "error", err, "sid", c.Sid)
		return
	}

	manager := c.hub.manager
	c.hub.logger.Debug("收到指令", "sid", c.Sid, "event", cmd.Event)

	switch cmd.Event {
	case "change_username":
		var details struct {
			Username string `json:"username"`
			Address  string `json:"address"`
		}
		if err := json.Unmarshal(cmd.Data, &details); err != nil || details.Username == "" {
			c.hub.logger.Warn("改名指令格式錯誤", "sid", c.Sid)
			return
		}
		manager.ChangeUsername(c.Sid, details.Username, details.Address)

	case "join_room":
		roomID, err := decodeString(cmd.Data)
		if err != nil {
			c.hub.logger.Warn("加入房間指令格式錯誤", "sid", c.Sid)
			return
		}
		if roomID == "" {
			// 未指定房間即交給配對
			manager.JoinAnyRoom(c.Sid)
			return
		}
		manager.JoinRoom(c.Sid, roomID)

	case "create_room":
		manager.CreateRoom(c.Sid)

	case "leave_room":
		manager.LeaveRoom(c.Sid)

	case "ack_room":
		roomID, err := decodeString(cmd.Data)
		if err != nil {
			c.hub.logger.Warn("確認房間指令格式錯誤", "sid", c.Sid)
			return
		}
		manager.AckRoomMember(c.Sid, roomID)

	case "run_game":
		manager.RunGame(c.Sid)

	case "cancel_game":
		manager.CancelGame(c.Sid)

	case "start":
		manager.StartGame(c.Sid)

	case "keydown":
		var keycode int
		if err := json.Unmarshal(cmd.Data, &keycode); err != nil {
			c.hub.logger.Warn("按鍵指令格式錯誤", "sid", c.Sid)
			return
		}
		dir, ok := DirectionForKeycode(keycode)
		if !ok {
			// 非方向鍵，忽略
			return
		}
		manager.Keyboard(c.Sid, dir)

	case "notify":
		manager.NotifyMember(c.Sid)

	default:
		c.hub.logger.Debug("收到未知指令", "event", cmd.Event, "sid", c.Sid)
	}
}

// decodeString 解析字串負載
func decodeString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
