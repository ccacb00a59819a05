// Package pacnemserver 實現了 pacNEM 多人遊戲的房間服務器。
//
// 將大量並發連線的玩家匯流成短暫的群組會話（房間），協調一段
// 可被任一成員取消的倒數發車流程，並把權威的房間狀態推送給所有
// 受影響的連線。
//
// 房間狀態機
//
// 每個房間是一個三態的狀態機：
//   - join：開放加入，上限 4 人
//   - wait：倒數發車中（10 秒），任何成員都能取消
//   - play：遊戲會話進行中，結束後回到 join
//
// 指令路由
//
// 所有連線事件由 Manager 統一入口：
//   - 連線註冊、改名、斷線
//   - 創建房間、加入指定房間、配對、離開房間
//   - 發車、取消發車、開始、方向輸入
//
// Manager 轉交指令前先驗證連線確實在房間內；房間本身的前置條件
// 以斷言（panic）表達，由傳輸層攔截並擊落肇事的請求路徑。
//
// 即時推送
//
// 透過 WebSocket Hub 實現單向狀態推送：
//   - 每次變更後廣播完整房間快照（不做差異比對）
//   - 倒數期間每秒逐一推送剩餘秒數
//   - Ping/Pong 心跳檢測死連接（54s/60s）
//
// 使用範例
//
// 啟動服務器：
//
//	hub := internal.NewHub(logger)
//	manager := internal.NewManager(hub,
//	    internal.NewMazeSessionFactory(hub, internal.NewScheduler(), logger),
//	    internal.NewScheduler(), logger)
//	hub.Attach(manager)
//
//	http.HandleFunc("/ws", hub.ServeWS)
//	log.Fatal(http.ListenAndServe(":2908", nil))
//
// 客戶端以 JSON 指令操作：
//
//	{"event": "create_room"}
//	{"event": "run_game"}
//	{"event": "keydown", "data": 37}
package pacnemserver
