package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lalith-99/portalchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_SendMessageOmitsEmptyOptionals(t *testing.T) {
	data, err := Encode(SendMessage{ChannelID: "c1", Content: "hi", Mentions: []string{}})
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "message:send", env["event"])

	payload := env["data"].(map[string]any)
	assert.Equal(t, "c1", payload["channelId"])
	assert.Equal(t, "hi", payload["content"])
	assert.NotContains(t, payload, "replyToId")
	assert.NotContains(t, payload, "mentions")
}

func TestEncode_SendMessageWithReplyAndMentions(t *testing.T) {
	data, err := Encode(SendMessage{ChannelID: "c1", Content: "hi", ReplyToID: "m9", Mentions: []string{"u2"}})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"event":"message:send","data":{"channelId":"c1","content":"hi","replyToId":"m9","mentions":["u2"]}}`,
		string(data))
}

func TestEncode_ChannelCommands(t *testing.T) {
	cases := []struct {
		cmd  Command
		want string
	}{
		{MarkRead{ChannelID: "c1"}, `{"event":"message:read","data":{"channelId":"c1"}}`},
		{JoinChannel{ChannelID: "c1"}, `{"event":"channel:join","data":{"channelId":"c1"}}`},
		{TypingStartCmd{ChannelID: "c1"}, `{"event":"typing:start","data":{"channelId":"c1"}}`},
		{TypingStopCmd{ChannelID: "c1"}, `{"event":"typing:stop","data":{"channelId":"c1"}}`},
	}
	for _, tc := range cases {
		t.Run(string(tc.cmd.Name()), func(t *testing.T) {
			data, err := Encode(tc.cmd)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(data))
		})
	}
}

func TestDecode_InboundTaxonomy(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		frame string
		want  Event
	}{
		{
			name:  "message",
			frame: `{"event":"message:new","data":{"id":"m1","channelId":"c1","content":"yo","createdAt":"2026-03-01T10:00:00Z","sender":{"id":"u1","firstName":"Jean","lastName":"Dupont"}}}`,
			want: MessageNew{Message: models.Message{
				ID: "m1", ChannelID: "c1", Content: "yo", CreatedAt: ts,
				Sender: models.Sender{ID: "u1", FirstName: "Jean", LastName: "Dupont"},
			}},
		},
		{
			name:  "typing",
			frame: `{"event":"typing","data":{"channelId":"c1","userId":"u1"}}`,
			want:  TypingStart{ChannelID: "c1", UserID: "u1"},
		},
		{
			name:  "typing stop",
			frame: `{"event":"typing:stop","data":{"userId":"u1"}}`,
			want:  TypingStop{UserID: "u1"},
		},
		{
			name:  "snapshot",
			frame: `{"event":"users:online","data":["u1","u2"]}`,
			want:  PresenceSnapshot{UserIDs: []string{"u1", "u2"}},
		},
		{
			name:  "join",
			frame: `{"event":"user:online","data":{"userId":"u3"}}`,
			want:  PresenceJoin{UserID: "u3"},
		},
		{
			name:  "leave",
			frame: `{"event":"user:offline","data":{"userId":"u3"}}`,
			want:  PresenceLeave{UserID: "u3"},
		},
		{
			name:  "read update",
			frame: `{"event":"read:update","data":{"channelId":"c1","userId":"u2","lastReadAt":"2026-03-01T10:00:00Z"}}`,
			want:  ReadUpdate{ChannelID: "c1", UserID: "u2", LastReadAt: ts},
		},
		{
			name:  "read update without payload",
			frame: `{"event":"read:update"}`,
			want:  ReadUpdate{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.frame))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecode_UnknownEvent(t *testing.T) {
	_, err := Decode([]byte(`{"event":"points:earned","data":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestDecode_MalformedPayload(t *testing.T) {
	_, err := Decode([]byte(`{"event":"users:online","data":{"not":"an array"}}`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownEvent))

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestEncodeEvent_RoundTripsThroughDecode(t *testing.T) {
	in := PresenceSnapshot{UserIDs: []string{"a"}}
	data, err := EncodeEvent(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, EvtPresenceSnapshot, NameOf(out))
}
