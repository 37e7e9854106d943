package rooms

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"gameforge/platform/internal/logging"
	"gameforge/platform/internal/wire"
)

type recorder struct {
	mu     sync.Mutex
	pushes []wire.Response
	fail   bool
}

func (r *recorder) Send(resp wire.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("connection gone")
	}
	r.pushes = append(r.pushes, resp)
	return nil
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.pushes))
	for i, p := range r.pushes {
		out[i] = p.Action
	}
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(logging.NewTestLogger())
}

func TestCreateAndList(t *testing.T) {
	reg := newTestRegistry(t)
	host := &recorder{}
	id, err := reg.Create("chess", "alice", host, "", 4, "1.0.0")
	require.NoError(t, err)
	require.Equal(t, "alice", id)

	sums := reg.Summaries("chess")
	require.Len(t, sums, 1)
	require.Equal(t, "alice", sums[0].RoomID)
	require.Equal(t, "alice", sums[0].Host)
	require.Equal(t, 1, sums[0].CurrentPlayers)
	require.Equal(t, 4, sums[0].MaxPlayers)
	require.False(t, sums[0].HasPassword)

	require.Empty(t, reg.Summaries("checkers"))
}

func TestCreateRejectsSecondRoomPerHost(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create("chess", "alice", &recorder{}, "", 4, "1.0.0")
	require.NoError(t, err)
	_, err = reg.Create("checkers", "alice", &recorder{}, "", 2, "1.0.0")
	require.ErrorIs(t, err, ErrAlreadyHosting)
}

func TestJoinCheckOrder(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create("chess", "alice", &recorder{}, "hunter2", 2, "1.0.0")
	require.NoError(t, err)

	_, err = reg.Join("chess", "nobody", "bob", &recorder{}, "hunter2")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = reg.Join("chess", "alice", "bob", &recorder{}, "wrong")
	require.ErrorIs(t, err, ErrWrongPassword)

	_, err = reg.Join("chess", "alice", "bob", &recorder{}, "hunter2")
	require.NoError(t, err)

	// Full beats a wrong password once capacity is reached.
	_, err = reg.Join("chess", "alice", "carol", &recorder{}, "wrong")
	require.ErrorIs(t, err, ErrFull)
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	reg := newTestRegistry(t)
	host := &recorder{}
	_, err := reg.Create("chess", "alice", host, "", 3, "1.0.0")
	require.NoError(t, err)

	bob := &recorder{}
	infos, err := reg.Join("chess", "alice", "bob", bob, "")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "alice", infos[0].Identity)
	require.True(t, infos[0].Ready)
	require.Equal(t, "bob", infos[1].Identity)
	require.False(t, infos[1].Ready)

	require.Equal(t, []string{"room_update"}, host.actions())
	require.Empty(t, bob.actions())
}

func TestSummariesNeverExposePassword(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create("chess", "alice", &recorder{}, "hunter2", 2, "1.0.0")
	require.NoError(t, err)
	sums := reg.Summaries("chess")
	require.Len(t, sums, 1)
	require.True(t, sums[0].HasPassword)
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	reg := newTestRegistry(t)
	const capacity = 4
	_, err := reg.Create("chess", "host", &recorder{}, "", capacity, "1.0.0")
	require.NoError(t, err)

	const joiners = 32
	var wg sync.WaitGroup
	results := make([]error, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = reg.Join("chess", "host", fmt.Sprintf("p%02d", i), &recorder{}, "")
		}(i)
	}
	wg.Wait()

	joined := 0
	for _, err := range results {
		if err == nil {
			joined++
		} else {
			require.ErrorIs(t, err, ErrFull)
		}
	}
	require.Equal(t, capacity-1, joined)

	sums := reg.Summaries("chess")
	require.Len(t, sums, 1)
	require.Equal(t, capacity, sums[0].CurrentPlayers)
}

func TestReadyToggleNotifiesHostOnly(t *testing.T) {
	reg := newTestRegistry(t)
	host := &recorder{}
	_, err := reg.Create("chess", "alice", host, "", 3, "1.0.0")
	require.NoError(t, err)
	bob, carol := &recorder{}, &recorder{}
	_, err = reg.Join("chess", "alice", "bob", bob, "")
	require.NoError(t, err)
	_, err = reg.Join("chess", "alice", "carol", carol, "")
	require.NoError(t, err)

	ready, err := reg.ToggleReady("chess", "alice", "bob")
	require.NoError(t, err)
	require.True(t, ready)

	require.Contains(t, host.actions(), "player_ready")
	require.NotContains(t, carol.actions(), "player_ready")
	require.NotContains(t, bob.actions(), "player_ready")

	ready, err = reg.ToggleReady("chess", "alice", "bob")
	require.NoError(t, err)
	require.False(t, ready)
}

func TestHostLeaveCascades(t *testing.T) {
	reg := newTestRegistry(t)
	host, bob := &recorder{}, &recorder{}
	_, err := reg.Create("chess", "alice", host, "", 3, "1.0.0")
	require.NoError(t, err)
	_, err = reg.Join("chess", "alice", "bob", bob, "")
	require.NoError(t, err)

	res, err := reg.Leave("chess", "alice", "alice")
	require.NoError(t, err)
	require.True(t, res.Closed)
	require.Equal(t, []string{"bob"}, res.Evicted)

	require.Contains(t, bob.actions(), "room_closed")
	require.Empty(t, reg.Summaries("chess"))
}

func TestMemberLeaveUpdatesRemainder(t *testing.T) {
	reg := newTestRegistry(t)
	host, bob := &recorder{}, &recorder{}
	_, err := reg.Create("chess", "alice", host, "", 3, "1.0.0")
	require.NoError(t, err)
	_, err = reg.Join("chess", "alice", "bob", bob, "")
	require.NoError(t, err)

	res, err := reg.Leave("chess", "alice", "bob")
	require.NoError(t, err)
	require.False(t, res.Closed)
	require.Contains(t, host.actions(), "room_update")

	infos, _, _, err := reg.Members("chess", "alice", "alice")
	require.NoError(t, err)
	require.Len(t, infos, 1)
}

func TestStartGates(t *testing.T) {
	reg := newTestRegistry(t)
	host, bob := &recorder{}, &recorder{}
	_, err := reg.Create("chess", "alice", host, "", 3, "1.0.0")
	require.NoError(t, err)
	_, err = reg.Join("chess", "alice", "bob", bob, "")
	require.NoError(t, err)

	_, err = reg.Start("chess", "alice", "1.0.0")
	require.ErrorIs(t, err, ErrNotAllReady)

	_, err = reg.ToggleReady("chess", "alice", "bob")
	require.NoError(t, err)

	// Flipping a slot back to not-ready re-blocks the start.
	ready, err := reg.ToggleReady("chess", "alice", "bob")
	require.NoError(t, err)
	require.False(t, ready)
	_, err = reg.Start("chess", "alice", "1.0.0")
	require.ErrorIs(t, err, ErrNotAllReady)

	_, err = reg.ToggleReady("chess", "alice", "bob")
	require.NoError(t, err)

	res, err := reg.Start("chess", "alice", "1.0.0")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, res.Participants)

	// Starting rooms vanish from listings and reject late joins.
	require.Empty(t, reg.Summaries("chess"))
	_, err = reg.Join("chess", "alice", "carol", &recorder{}, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStartWithStaleVersionClosesRoom(t *testing.T) {
	reg := newTestRegistry(t)
	host, bob := &recorder{}, &recorder{}
	_, err := reg.Create("chess", "alice", host, "", 3, "1.0.0")
	require.NoError(t, err)
	_, err = reg.Join("chess", "alice", "bob", bob, "")
	require.NoError(t, err)
	_, err = reg.ToggleReady("chess", "alice", "bob")
	require.NoError(t, err)

	res, err := reg.Start("chess", "alice", "1.1.0")
	require.ErrorIs(t, err, ErrVersionStale)
	require.ElementsMatch(t, []string{"alice", "bob"}, res.Participants)

	require.Contains(t, host.actions(), "room_closed")
	require.Contains(t, bob.actions(), "room_closed")
	require.Empty(t, reg.Summaries("chess"))
}

func TestDeadConnectionNeverBlocksOthers(t *testing.T) {
	reg := newTestRegistry(t)
	host := &recorder{fail: true}
	bob, carol := &recorder{}, &recorder{}
	_, err := reg.Create("chess", "alice", host, "", 3, "1.0.0")
	require.NoError(t, err)
	_, err = reg.Join("chess", "alice", "bob", bob, "")
	require.NoError(t, err)
	_, err = reg.Join("chess", "alice", "carol", carol, "")
	require.NoError(t, err)

	// Bob's update went out even though the host sender errors.
	require.Contains(t, bob.actions(), "room_update")

	evicted := reg.Close("chess", "alice", "gone")
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, evicted)
	require.Contains(t, carol.actions(), "room_closed")
}

func TestFindMemberAndRelease(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create("chess", "alice", &recorder{}, "", 2, "1.0.0")
	require.NoError(t, err)

	game, roomID, ok := reg.FindMember("alice")
	require.True(t, ok)
	require.Equal(t, "chess", game)
	require.Equal(t, "alice", roomID)

	_, _, ok = reg.FindMember("bob")
	require.False(t, ok)

	reg.Release("chess", "alice")
	require.Equal(t, 0, reg.Count())
}
