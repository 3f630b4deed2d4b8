package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/pairspace/internal/aiparse"
	"github.com/codefionn/pairspace/internal/protocol"
)

func TestAppendOrderAndSeq(t *testing.T) {
	log := NewLog()
	alice := protocol.Participant{ID: "u1", Email: "alice@example.com"}

	for _, text := range []string{"one", "two", "three"} {
		log.Append(TextEntry(alice, text))
	}

	entries := log.Snapshot()
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i, e.Seq)
		assert.False(t, e.ReceivedAt.IsZero())
	}
	assert.Equal(t, "three", entries[2].Text)
}

func TestSnapshotIsACopy(t *testing.T) {
	log := NewLog()
	log.Append(TextEntry(protocol.Participant{ID: "u1"}, "hello"))

	snap := log.Snapshot()
	snap[0].Text = "mutated"

	assert.Equal(t, "hello", log.Snapshot()[0].Text)
}

func TestNoDeduplication(t *testing.T) {
	log := NewLog()
	e := TextEntry(protocol.Participant{ID: "u1"}, "again")
	log.Append(e)
	log.Append(e)
	assert.Equal(t, 2, log.Len())
}

func TestSince(t *testing.T) {
	log := NewLog()
	for range 5 {
		log.Append(TextEntry(protocol.Participant{ID: "u1"}, "x"))
	}
	assert.Len(t, log.Since(3), 2)
	assert.Len(t, log.Since(-1), 5)
	assert.Nil(t, log.Since(5))
}

func TestEntryConstructors(t *testing.T) {
	ai := protocol.Assistant()

	chat, err := aiparse.Parse(`{"text":"hi"}`)
	require.NoError(t, err)
	e := PayloadEntry(ai, chat)
	assert.Equal(t, KindAssistant, e.Kind)
	assert.Equal(t, "hi", e.Text)
	assert.Empty(t, e.Files)

	code, err := aiparse.Parse(`{"text":"ok","fileTree":{"b.js":{"file":{"contents":"2"}},"a.js":{"file":{"contents":"1"}}}}`)
	require.NoError(t, err)
	e = PayloadEntry(ai, code)
	assert.Equal(t, KindCode, e.Kind)
	assert.Equal(t, []string{"a.js", "b.js"}, e.Files)

	_, err = aiparse.Parse("garbage")
	perr, ok := err.(*aiparse.ParseError)
	require.True(t, ok)
	e = DegradedEntry(ai, perr)
	assert.Equal(t, KindDegraded, e.Kind)
	assert.Equal(t, "garbage", e.Text)
	assert.NotEmpty(t, e.Reason)
}
