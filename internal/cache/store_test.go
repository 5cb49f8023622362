package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetSet(t *testing.T) {
	s := New()
	_, ok := Get[[]string](s, ChannelList())
	require.False(t, ok)

	Set(s, ChannelList(), []string{"a"})
	v, ok := Get[[]string](s, ChannelList())
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, v)
}

func TestStore_GetWrongTypeMisses(t *testing.T) {
	s := New()
	Set(s, MessagesOf("c1"), 42)
	_, ok := Get[string](s, MessagesOf("c1"))
	assert.False(t, ok)
}

func TestStore_UpdateAbsentAndSkip(t *testing.T) {
	s := New()
	v, ok := Update(s, MembersOf("c1"), func(old int, ok bool) (int, bool) {
		assert.False(t, ok)
		return old + 1, true
	})
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = Update(s, MembersOf("c1"), func(old int, ok bool) (int, bool) {
		return 99, false
	})
	assert.False(t, ok)
	got, _ := Get[int](s, MembersOf("c1"))
	assert.Equal(t, 1, got)
}

func TestStore_InvalidateNotifies(t *testing.T) {
	s := New()
	var keys []Key
	s.Subscribe(func(k Key) { keys = append(keys, k) })

	Set(s, MessagesOf("c1"), 1)
	Set(s, MessagesOf("c2"), 2)
	Set(s, ChannelList(), 3)
	keys = nil

	s.InvalidateResource(Messages)
	assert.ElementsMatch(t, []Key{MessagesOf("c1"), MessagesOf("c2")}, keys)
	assert.True(t, s.Has(ChannelList()))

	keys = nil
	s.Invalidate(MessagesOf("missing"))
	assert.Empty(t, keys)
}

func TestStore_Clear(t *testing.T) {
	s := New()
	Set(s, UserDirectory(), "x")
	s.Clear()
	assert.False(t, s.Has(UserDirectory()))
}
