package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plated/internal/model"
)

func TestDedupeOverlappingSameTitle(t *testing.T) {
	bare := event("a", "Reservation at Carbone", "", day.Add(19*time.Hour), 2*time.Hour)
	rich := event("b", "Carbone (Resy)", "181 Thompson St", day.Add(19*time.Hour+15*time.Minute), 2*time.Hour)

	got := Dedupe([]model.CalendarEventInfo{bare, rich}, DefaultDedupeBuffer, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID, "copy with a location wins")

	got = Dedupe([]model.CalendarEventInfo{rich, bare}, DefaultDedupeBuffer, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestDedupeKeepsNonOverlapping(t *testing.T) {
	first := event("a", "Dinner at Carbone", "", day.Add(19*time.Hour), 2*time.Hour)
	second := event("b", "Dinner at Carbone", "", day.Add(7*24*time.Hour+19*time.Hour), 2*time.Hour)

	got := Dedupe([]model.CalendarEventInfo{second, first}, DefaultDedupeBuffer, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID, "sorted by start")
}

func TestDedupeBuffer(t *testing.T) {
	first := event("a", "Carbone", "", day.Add(19*time.Hour), 2*time.Hour)
	after := event("b", "Carbone", "", day.Add(21*time.Hour+20*time.Minute), time.Hour)

	assert.Len(t, Dedupe([]model.CalendarEventInfo{first, after}, 30*time.Minute, nil), 1)
	assert.Len(t, Dedupe([]model.CalendarEventInfo{first, after}, 10*time.Minute, nil), 2)
}

func TestDedupeDifferentTitles(t *testing.T) {
	a := event("a", "Carbone", "", day.Add(19*time.Hour), 2*time.Hour)
	b := event("b", "Lilia", "", day.Add(19*time.Hour), 2*time.Hour)
	assert.Len(t, Dedupe([]model.CalendarEventInfo{a, b}, DefaultDedupeBuffer, nil), 2)
}

func TestDedupeImports(t *testing.T) {
	carbone := model.RestaurantCandidate{ID: "r1", Name: "Carbone"}
	lilia := model.RestaurantCandidate{ID: "r2", Name: "Lilia"}

	matches := []ImportMatch{
		{Event: event("a", "Carbone", "", day.Add(19*time.Hour), 2*time.Hour), Restaurant: carbone},
		{Event: event("b", "Dinner at Carbone", "", day.Add(20*time.Hour), time.Hour), Restaurant: carbone},
		{Event: event("c", "Lilia", "", day.Add(20*time.Hour), time.Hour), Restaurant: lilia},
		{Event: event("d", "Carbone", "", day.Add(48*time.Hour), time.Hour), Restaurant: carbone},
	}

	got := DedupeImports(matches)
	require.Len(t, got, 3)
	var ids []string
	for _, m := range got {
		ids = append(ids, m.Event.ID)
	}
	assert.ElementsMatch(t, []string{"a", "c", "d"}, ids)
}
