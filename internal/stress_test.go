package internal_test

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/pacnem-server/internal"
)

// TestStress_JoinAnyRoom 大量連線同時配對：
// 驗證沒有任何房間超員、沒有連線被分進兩間房
func TestStress_JoinAnyRoom(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	m, _, _, _ := newTestManager(t)

	const players = 200

	sids := make([]string, players)
	for i := range sids {
		sids[i] = fmt.Sprintf("conn_%03d", i)
		m.Register(sids[i])
	}

	var wg sync.WaitGroup
	for _, sid := range sids {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			m.JoinAnyRoom(sid)
		}(sid)
	}
	wg.Wait()

	// 每位玩家恰好在一間房
	seen := make(map[string]string) // sid -> roomID
	total := 0
	for id, state := range m.Rooms() {
		require.LessOrEqual(t, len(state.Users), internal.MaxMembers,
			"房間 %s 超員", id)
		for _, sid := range state.Users {
			prev, dup := seen[sid]
			require.False(t, dup, "連線 %s 同時在 %s 與 %s", sid, prev, id)
			seen[sid] = id
		}
		total += len(state.Users)
	}
	assert.Equal(t, players, total)

	for _, sid := range sids {
		assert.NotNil(t, m.GetRoom(sid), "連線 %s 沒有配到房間", sid)
	}
}

// TestStress_Churn 大量連線反覆進出房間與查詢，
// 驗證管理器在並發下不 panic、註冊表保持一致
func TestStress_Churn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	m, _, _, _ := newTestManager(t)

	const (
		players    = 50
		iterations = 100
	)

	var wg sync.WaitGroup
	for i := 0; i < players; i++ {
		sid := fmt.Sprintf("conn_%03d", i)
		m.Register(sid)

		wg.Add(1)
		go func(sid string, seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			for n := 0; n < iterations; n++ {
				switch rng.Intn(5) {
				case 0:
					m.CreateRoom(sid) // 已在房間內會被丟棄
				case 1:
					m.JoinAnyRoom(sid)
				case 2:
					m.LeaveRoom(sid) // 不在房間內會被丟棄
				case 3:
					m.ChangeUsername(sid, fmt.Sprintf("玩家%d", n), "")
				case 4:
					m.NotifyMember(sid)
				}
			}
			m.LeaveRoom(sid)
		}(sid, int64(i))
	}
	wg.Wait()

	// 全員離場後所有房間都是空的
	for id, state := range m.Rooms() {
		assert.Empty(t, state.Users, "房間 %s 仍有成員", id)
		assert.Equal(t, internal.StatusJoin, state.Status)
	}
	for i := 0; i < players; i++ {
		assert.Nil(t, m.GetRoom(fmt.Sprintf("conn_%03d", i)))
	}
}

// TestStress_CountdownUnderLoad 倒數期間持續有玩家嘗試加入：
// 發車後房間狀態與成員必須一致
func TestStress_CountdownUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	m, _, sched, factory := newTestManager(t)

	m.Register("conn_host")
	m.CreateRoom("conn_host")
	roomID := ""
	for id := range m.Rooms() {
		roomID = id
	}
	m.RunGame("conn_host")

	// 倒數期間大量加入請求，全部必須被拒絕而非 panic
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		sid := fmt.Sprintf("conn_%03d", i)
		m.Register(sid)

		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			m.JoinRoom(sid, roomID)
		}(sid)
	}
	wg.Wait()

	sched.Advance(internal.WaitTime)

	state := m.Rooms()[roomID]
	assert.Equal(t, internal.StatusPlay, state.Status)
	assert.Equal(t, []string{"conn_host"}, state.Users)
	require.Len(t, factory.members, 1)
	assert.Equal(t, []string{"conn_host"}, factory.members[0])
}
