package internal

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// GameSession 遊戲會話的能力介面。
//
// Room 進入 play 狀態時透過 SessionFactory 建立會話，之後只透過
// 這四個操作與它互動；會話內部的模擬細節不屬於房間核心。
// 座位編號（seat）即成員在房間有序列表中的位置。
type GameSession interface {
	// Refresh 產生並推送會話當前的完整畫面快照
	Refresh()
	// Start 指定座位的玩家表示準備完成、開始操作
	Start(seat int)
	// SetDirection 轉交指定座位的方向輸入
	SetDirection(dir Direction, seat int)
	// Quit 強制終止會話（成員中途離開時使用），不觸發 NotifyEnd
	Quit()
}

// EndNotifier 會話自然結束時的回呼對象（由 Room 實作）。
// 回呼必須帶上結束的會話本身：回合結束與成員離場可能同時發生，
// 接收端以會話身份辨認過期的通知並忽略。
type EndNotifier interface {
	NotifyEnd(session GameSession)
}

// SessionFactory 以房間當下的有序成員列表建立新會話
type SessionFactory func(members []string, end EndNotifier) GameSession

// 迷宮會話參數
const (
	mazeTickInterval = 250 * time.Millisecond // 移動節奏：每 250ms 前進一格
	roundDuration    = 3 * time.Minute        // 一回合的固定時長
)

// mazeTemplate 迷宮版面。
// 圖例：# 牆、. 豆子、o 大豆子、s 玩家出生點、g 鬼的區域、_ 玩家禁區
var mazeTemplate = []string{
	"############################",
	"#............##............#",
	"#.####.#####.##.#####.####.#",
	"#o####.#####.##.#####.####o#",
	"#.####.#####.##.#####.####.#",
	"#..........................#",
	"#.####.##.########.##.####.#",
	"#.####.##.########.##.####.#",
	"#......##....##....##......#",
	"######.#####.##.#####.######",
	"######.#####.##.#####.######",
	"######.##..........##.######",
	"######.##.###__###.##.######",
	"######.##.#gggggg#.##.######",
	"      ....#gggggg#....      ",
	"######.##.#gggggg#.##.######",
	"######.##.########.##.######",
	"######.##..........##.######",
	"######.##.########.##.######",
	"######.##.########.##.######",
	"#............##............#",
	"#.####.#####.##.#####.####.#",
	"#o####.#####.##.#####.####o#",
	"#...##.......s........##...#",
	"###.##.##.########.##.##.###",
	"###.##.##.########.##.##.###",
	"#......##....##....##......#",
	"#.##########.##.##########.#",
	"#.##########.##.##########.#",
	"#..........................#",
	"############################",
}

// mazeSeat 單一座位的狀態
type mazeSeat struct {
	Sid       string    `json:"sid"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Direction Direction `json:"direction"`
	started   bool
}

// mazeFrame 推送給客戶端的會話畫面
type mazeFrame struct {
	Grid    []string   `json:"grid"`
	Players []mazeSeat `json:"players"`
}

// MazeSession 權威的迷宮會話：持有每個座位的位置與方向，
// 以固定節奏推進並將畫面推送給所有成員。回合時間到即透過
// EndNotifier 通知房間重新開放。
type MazeSession struct {
	mu        sync.Mutex
	grid      []string
	members   []string
	seats     []mazeSeat
	running   bool // 任一座位 Start 後開始推進
	done      bool // Quit 或回合結束後為真，之後所有操作為 no-op
	moveTimer Timer
	endTimer  Timer
	end       EndNotifier
	push      Broadcaster
	sched     Scheduler
	logger    *slog.Logger
}

// NewMazeSessionFactory 建立迷宮會話的工廠，供 Room 注入
func NewMazeSessionFactory(push Broadcaster, sched Scheduler, logger *slog.Logger) SessionFactory {
	return func(members []string, end EndNotifier) GameSession {
		return newMazeSession(members, end, push, sched, logger)
	}
}

func newMazeSession(members []string, end EndNotifier, push Broadcaster, sched Scheduler, logger *slog.Logger) *MazeSession {
	startX, startY := findStart(mazeTemplate)

	seats := make([]mazeSeat, 0, len(members))
	for _, sid := range members {
		seats = append(seats, mazeSeat{
			Sid:       sid,
			X:         startX,
			Y:         startY,
			Direction: DirLeft,
		})
	}

	s := &MazeSession{
		grid:    slices.Clone(mazeTemplate),
		members: slices.Clone(members),
		seats:   seats,
		end:     end,
		push:    push,
		sched:   sched,
		logger:  logger,
	}

	// 回合固定時長，時間到自然結束
	s.endTimer = sched.AfterFunc(roundDuration, s.finish)
	return s
}

// findStart 掃描版面中的出生點 's'
func findStart(grid []string) (x, y int) {
	for j, row := range grid {
		for i := range row {
			if row[i] == 's' {
				return i, j
			}
		}
	}
	return 1, 1
}

// Refresh 推送當前畫面給所有成員
func (s *MazeSession) Refresh() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	frame := s.frameLocked()
	members := slices.Clone(s.members)
	s.mu.Unlock()

	s.pushFrame(members, frame)
}

// Start 標記座位開始操作；第一位玩家開始時啟動移動節奏
func (s *MazeSession) Start(seat int) {
	s.mu.Lock()
	if s.done || seat < 0 || seat >= len(s.seats) {
		s.mu.Unlock()
		return
	}
	s.seats[seat].started = true
	if !s.running {
		s.running = true
		s.moveTimer = s.sched.AfterFunc(mazeTickInterval, s.tick)
	}
	s.mu.Unlock()

	s.Refresh()
}

// SetDirection 更新座位的移動方向
func (s *MazeSession) SetDirection(dir Direction, seat int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || seat < 0 || seat >= len(s.seats) {
		return
	}
	s.seats[seat].Direction = dir
}

// Quit 強制終止會話，停止所有計時器。不回呼 NotifyEnd，
// 因為呼叫端（Room）正是狀態轉換的發起者。
func (s *MazeSession) Quit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	s.done = true
	s.stopTimersLocked()
}

// tick 移動節奏：推進所有已開始的座位一格並重新排程
func (s *MazeSession) tick() {
	s.mu.Lock()
	if s.done || !s.running {
		s.mu.Unlock()
		return
	}

	s.stepLocked()
	frame := s.frameLocked()
	members := slices.Clone(s.members)
	s.moveTimer = s.sched.AfterFunc(mazeTickInterval, s.tick)
	s.mu.Unlock()

	s.pushFrame(members, frame)
}

// finish 回合時間到：終止會話並通知房間重新開放
func (s *MazeSession) finish() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.stopTimersLocked()
	s.mu.Unlock()

	// 鎖外回呼：若此刻成員離場已把會話換掉，接收端憑身份忽略
	s.end.NotifyEnd(s)
}

// stepLocked 依方向推進每個已開始的座位，撞牆則停在原地，
// 超出邊界則從另一側繞回（隧道）
func (s *MazeSession) stepLocked() {
	width := len(s.grid[0])
	height := len(s.grid)

	for i := range s.seats {
		seat := &s.seats[i]
		if !seat.started {
			continue
		}

		x, y := seat.X, seat.Y
		switch seat.Direction {
		case DirLeft:
			x--
			if x < 0 {
				x = width - 1
			}
		case DirRight:
			x++
			if x >= width {
				x = 0
			}
		case DirUp:
			y--
			if y < 0 {
				y = height - 1
			}
		case DirDown:
			y++
			if y >= height {
				y = 0
			}
		}

		if forbiddenCell(s.grid[y][x]) {
			continue
		}
		seat.X, seat.Y = x, y
	}
}

// forbiddenCell 玩家不可進入的格子
func forbiddenCell(c byte) bool {
	return c == '#' || c == 'g' || c == '_'
}

func (s *MazeSession) frameLocked() mazeFrame {
	return mazeFrame{
		Grid:    s.grid,
		Players: slices.Clone(s.seats),
	}
}

func (s *MazeSession) pushFrame(members []string, frame mazeFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("序列化會話畫面失敗", "error", err)
		return
	}
	for _, sid := range members {
		s.push.Push(sid, payload)
	}
}

// stopTimersLocked 停止移動與回合計時器
func (s *MazeSession) stopTimersLocked() {
	if s.moveTimer != nil {
		s.moveTimer.Stop()
		s.moveTimer = nil
	}
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
}
