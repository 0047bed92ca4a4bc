package timeline

import (
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return base.Add(time.Duration(sec * float64(time.Second)))
}

func msg(id, sender, content string, ts time.Time) types.Message {
	return types.Message{
		Id:        id,
		RoomId:    "room-1",
		Sender:    types.ParticipantFromID(sender),
		Content:   content,
		CreatedAt: ts,
		State:     types.DeliveryConfirmed,
	}
}

func ids(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Id
	}
	return out
}

func TestContentEqual(t *testing.T) {
	a := msg("a", "u1", "hello  world", at(10))

	tcases := []struct {
		name  string
		other types.Message
		equal bool
	}{
		{"same content different id", msg("b", "u1", "hello world", at(10.5)), true},
		{"exactly one second apart", msg("b", "u1", "hello world", at(11)), true},
		{"outside window", msg("b", "u1", "hello world", at(11.2)), false},
		{"earlier within window", msg("b", "u1", "hello world", at(9.1)), true},
		{"different sender", msg("b", "u2", "hello world", at(10)), false},
		{"different body", msg("b", "u1", "hello there", at(10)), false},
		{"different room", func() types.Message {
			m := msg("b", "u1", "hello world", at(10))
			m.RoomId = "room-2"
			return m
		}(), false},
		{"embedded user object sender", func() types.Message {
			m := msg("b", "", "hello world", at(10))
			m.Sender = types.ParticipantFromUser(types.User{Id: "u1", Username: "alice"})
			return m
		}(), true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.equal, ContentEqual(a, tc.other))
			assert.Equal(t, tc.equal, ContentEqual(tc.other, a), "expected symmetric comparison")
		})
	}
}

func TestNormalizeAscending(t *testing.T) {
	newestFirst := []types.Message{
		msg("m3", "u1", "c", at(30)),
		msg("m2", "u1", "b", at(20)),
		msg("m1", "u1", "a", at(10)),
	}

	out := NormalizeAscending(newestFirst)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(out))
	assert.Equal(t, "m3", newestFirst[0].Id, "expected input to be left untouched")

	oldestFirst := []types.Message{msg("m1", "u1", "a", at(10)), msg("m2", "u1", "b", at(20))}
	assert.Equal(t, []string{"m1", "m2"}, ids(NormalizeAscending(oldestFirst)))
}

func TestMerge(t *testing.T) {
	tcases := []struct {
		name    string
		history []types.Message
		live    []types.Message
		want    []string
	}{
		{
			name:    "live copy of history message by id",
			history: []types.Message{msg("m1", "u1", "a", at(10)), msg("m2", "u2", "b", at(20))},
			live:    []types.Message{msg("m2", "u2", "b", at(20))},
			want:    []string{"m1", "m2"},
		},
		{
			name:    "live copy with different id within window",
			history: []types.Message{msg("m1", "u1", "a", at(10)), msg("m2", "u2", "b", at(20))},
			live:    []types.Message{msg("m2-push", "u2", "b", at(20.4))},
			want:    []string{"m1", "m2"},
		},
		{
			name:    "repeated text outside window is kept",
			history: []types.Message{msg("m1", "u1", "ok", at(10))},
			live:    []types.Message{msg("m2", "u1", "ok", at(15))},
			want:    []string{"m1", "m2"},
		},
		{
			name:    "sorted by time across sources",
			history: []types.Message{msg("h1", "u1", "a", at(10)), msg("h2", "u1", "c", at(30))},
			live:    []types.Message{msg("l1", "u2", "b", at(20)), msg("l2", "u2", "d", at(40))},
			want:    []string{"h1", "l1", "h2", "l2"},
		},
		{
			name:    "ties keep arrival order",
			history: []types.Message{msg("h1", "u1", "a", at(10))},
			live:    []types.Message{msg("l1", "u2", "b", at(10)), msg("l2", "u3", "c", at(10))},
			want:    []string{"h1", "l1", "l2"},
		},
		{
			name:    "overlapping history pages collapse",
			history: []types.Message{msg("h1", "u1", "a", at(10)), msg("h1", "u1", "a", at(10)), msg("h2", "u1", "b", at(20))},
			want:    []string{"h1", "h2"},
		},
		{
			name: "pending echo confirmed in history",
			history: []types.Message{
				msg("srv-9", "me", "hi", at(5)),
			},
			live: []types.Message{func() types.Message {
				m := msg("local-1", "me", "hi", at(5))
				m.State = types.DeliveryPending
				return m
			}()},
			want: []string{"srv-9"},
		},
		{
			name: "empty inputs",
			want: []string{},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got := Merge(tc.history, tc.live)
			assert.Equal(t, tc.want, ids(got))
		})
	}
}

func TestPrependHistory(t *testing.T) {
	current := []types.Message{msg("m3", "u1", "c", at(30)), msg("m4", "u1", "d", at(40))}
	older := []types.Message{msg("m1", "u1", "a", at(10)), msg("m2", "u1", "b", at(20)), msg("m3", "u1", "c", at(30))}

	out := prependHistory(older, current)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(out))
}
