package internal

// Direction 玩家的移動方向。
//
// 原始的鍵盤事件只帶有瀏覽器 keycode，傳輸層在轉交給房間之前
// 必須先透過 DirectionForKeycode 轉換；核心邏輯只認得 Direction。
type Direction int

const (
	DirLeft Direction = iota
	DirUp
	DirRight
	DirDown
)

// String 回傳方向的可讀名稱（用於日誌）
func (d Direction) String() string {
	switch d {
	case DirLeft:
		return "left"
	case DirUp:
		return "up"
	case DirRight:
		return "right"
	case DirDown:
		return "down"
	default:
		return "unknown"
	}
}

// keycodeDirections 方向鍵對應表（37-40 為四個方向鍵）
var keycodeDirections = map[int]Direction{
	37: DirLeft,
	38: DirUp,
	39: DirRight,
	40: DirDown,
}

// DirectionForKeycode 將鍵盤代碼轉換為方向。
// 非方向鍵回傳 ok == false，呼叫端應直接忽略該按鍵。
func DirectionForKeycode(code int) (Direction, bool) {
	d, ok := keycodeDirections[code]
	return d, ok
}
