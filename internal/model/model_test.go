package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSetSortedByStartThenUID(t *testing.T) {
	base := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	set := NewEventSet([]Event{
		{UID: "c", Start: base.Add(time.Hour)},
		{UID: "b", Start: base},
		{UID: "a", Start: base},
	})

	got := set.Sorted()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].UID, got[1].UID, got[2].UID})
	assert.Equal(t, []string{"a", "b", "c"}, set.UIDs())
}

func TestEventSetInsertionOrderIndependent(t *testing.T) {
	base := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	a := Event{UID: "a", Start: base, Hash: "1"}
	b := Event{UID: "b", Start: base.Add(-time.Hour), Hash: "2"}

	assert.Equal(t, NewEventSet([]Event{a, b}).Sorted(), NewEventSet([]Event{b, a}).Sorted())
}

func TestEventSetDuplicateUIDLastWins(t *testing.T) {
	set := NewEventSet([]Event{{UID: "a", Title: "old"}, {UID: "a", Title: "new"}})

	require.Equal(t, 1, set.Len())
	ev, ok := set.Get("a")
	require.True(t, ok)
	assert.Equal(t, "new", ev.Title)
}

func TestNilEventSetIsEmpty(t *testing.T) {
	var set *EventSet
	assert.Equal(t, 0, set.Len())
	assert.Nil(t, set.Sorted())
	_, ok := set.Get("a")
	assert.False(t, ok)
}

func TestCursorAdvanceIsMonotonic(t *testing.T) {
	t0 := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	c := Cursor{Seq: 3, Watermark: t0}

	next := c.Advance(t0.Add(-time.Hour))
	assert.Equal(t, uint64(4), next.Seq)
	assert.Equal(t, t0, next.Watermark)

	next = next.Advance(t0.Add(time.Hour))
	assert.Equal(t, uint64(5), next.Seq)
	assert.Equal(t, t0.Add(time.Hour), next.Watermark)
}

func TestPropertyValuePlainText(t *testing.T) {
	txt, ok := PropertyValue{Kind: KindTitle, Text: "Standup"}.PlainText()
	assert.True(t, ok)
	assert.Equal(t, "Standup", txt)

	txt, ok = PropertyValue{Kind: KindSelect, Select: &SelectOption{Name: "Meeting"}}.PlainText()
	assert.True(t, ok)
	assert.Equal(t, "Meeting", txt)

	_, ok = PropertyValue{Kind: KindDate}.PlainText()
	assert.False(t, ok)
}
