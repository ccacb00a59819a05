package internal_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/pacnem-server/internal"
)

// newTestServer 組出掛上 HTTP 介面的測試伺服器
func newTestServer(t *testing.T) (*httptest.Server, *internal.Manager) {
	m, _, _, _ := newTestManager(t)

	handler := internal.NewHandler(m, testLogger())
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)

	return srv, m
}

// getJSON 呼叫端點並解碼 JSON 回應
func getJSON(t *testing.T, url string, out any) *http.Response {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

// TestHandler_Health 測試健康檢查
func TestHandler_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]any
	resp := getJSON(t, srv.URL+"/health", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "healthy", body["status"])
}

// TestHandler_ListRooms 測試房間列表
func TestHandler_ListRooms(t *testing.T) {
	srv, m := newTestServer(t)

	t.Run("empty", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, srv.URL+"/api/v1/rooms", &body)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(0), body["total"])
	})

	t.Run("with a room", func(t *testing.T) {
		m.Register("conn_a")
		m.CreateRoom("conn_a")

		var body struct {
			Rooms []struct {
				RoomID string   `json:"room_id"`
				Status string   `json:"status"`
				Users  []string `json:"users"`
				IsFull bool     `json:"is_full"`
			} `json:"rooms"`
			Total int `json:"total"`
		}
		getJSON(t, srv.URL+"/api/v1/rooms", &body)

		require.Equal(t, 1, body.Total)
		assert.Equal(t, "join", body.Rooms[0].Status)
		assert.Equal(t, []string{"conn_a"}, body.Rooms[0].Users)
		assert.False(t, body.Rooms[0].IsFull)
	})
}

// TestHandler_Stats 測試統計端點
func TestHandler_Stats(t *testing.T) {
	srv, m := newTestServer(t)

	m.Register("conn_a")
	m.CreateRoom("conn_a")

	var body map[string]any
	resp := getJSON(t, srv.URL+"/stats", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total_rooms"])
	assert.Equal(t, float64(1), body["total_connections"])
	assert.Equal(t, float64(1), body["total_players"])
}

// TestHandler_MethodNotAllowed 非 GET 請求被拒絕
func TestHandler_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// wsCommand 整合測試用的客戶端指令
type wsCommand struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// readState 讀下一則推送並解碼為房間快照
func readState(t *testing.T, conn *websocket.Conn) internal.RoomState {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var state internal.RoomState
	require.NoError(t, conn.ReadJSON(&state))
	return state
}

// TestHub_Integration 走完整 WebSocket 路徑的端到端流程
func TestHub_Integration(t *testing.T) {
	hub := internal.NewHub(testLogger())
	factory := &fakeFactory{}
	manager := internal.NewManager(hub, factory.New, &fakeScheduler{}, testLogger())
	hub.Attach(manager)
	t.Cleanup(manager.Stop)
	t.Cleanup(hub.Stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// 連線建立後先收到自己的連線識別碼
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var hello struct {
		Sid string `json:"sid"`
	}
	require.NoError(t, conn.ReadJSON(&hello))
	require.NotEmpty(t, hello.Sid)

	// 改名不會觸發推送，下一則訊息是創建房間的快照
	require.NoError(t, conn.WriteJSON(wsCommand{
		Event: "change_username",
		Data:  map[string]string{"username": "整合測試", "address": "TADDR"},
	}))
	require.NoError(t, conn.WriteJSON(wsCommand{Event: "create_room"}))

	state := readState(t, conn)
	assert.Equal(t, internal.StatusJoin, state.Status)
	assert.Equal(t, []string{hello.Sid}, state.Users)
	assert.Equal(t, "整合測試", state.Usernames[hello.Sid])
	assert.Equal(t, "TADDR", state.Addresses[hello.Sid])

	// notify 要求重推快照
	require.NoError(t, conn.WriteJSON(wsCommand{Event: "notify"}))
	state = readState(t, conn)
	assert.Equal(t, []string{hello.Sid}, state.Users)

	// 契約違反（join 狀態取消發車）只擊落肇事連線
	require.NoError(t, conn.WriteJSON(wsCommand{Event: "cancel_game"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break // 伺服器關閉了肇事連線
		}
	}

	// 斷線清理後連線數歸零
	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestHub_PushRacingDisconnect 推送與斷線清理並發：
// 發送緩衝在寫鎖內關閉，推送全程持讀鎖，兩者不得交錯
func TestHub_PushRacingDisconnect(t *testing.T) {
	hub := internal.NewHub(testLogger())
	factory := &fakeFactory{}
	manager := internal.NewManager(hub, factory.New, &fakeScheduler{}, testLogger())
	hub.Attach(manager)
	t.Cleanup(manager.Stop)
	t.Cleanup(hub.Stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var hello struct {
		Sid string `json:"sid"`
	}
	require.NoError(t, conn.ReadJSON(&hello))

	// 一邊持續推送（倒數計時的節奏就是這樣打進來的），一邊關閉連線
	stop := make(chan struct{})
	pusherDone := make(chan struct{})
	go func() {
		defer close(pusherDone)
		payload := []byte(`{"status":"join"}`)
		for {
			select {
			case <-stop:
				return
			default:
				hub.Push(hello.Sid, payload)
			}
		}
	}()

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// 清理完成後推送只會靜默丟棄
	close(stop)
	<-pusherDone
	hub.Push(hello.Sid, []byte(`{}`))
}
