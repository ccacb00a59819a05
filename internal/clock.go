package internal

import "time"

// Timer 可取消的單次計時器
type Timer interface {
	// Stop 取消計時器；若成功在觸發前取消則回傳 true
	Stop() bool
}

// Scheduler 延遲排程器。
//
// Room 的倒數計時與遊戲回合的結束計時都透過這個介面排程，
// 而不是直接呼叫 time.AfterFunc，測試時注入假的排程器即可
// 以虛擬時間驅動狀態機（見 room_test.go 的 fakeScheduler）。
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// NewScheduler 回傳以 time.AfterFunc 實作的排程器
func NewScheduler() Scheduler {
	return realScheduler{}
}
