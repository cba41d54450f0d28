package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertToDateTruncatesInCompanyTimezone(t *testing.T) {
	// 20:00 UTC on Feb 1 is already Feb 2 in Jakarta (UTC+7).
	input := time.Date(2026, 2, 1, 20, 0, 0, 0, time.UTC)

	got, err := ConvertToDate(input, "Asia/Jakarta")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), got)

	got, err = ConvertToDate(input, "UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestConvertToDateRejectsUnknownTimezone(t *testing.T) {
	_, err := ConvertToDate(time.Now(), "Mars/Olympus_Mons")
	assert.Error(t, err)
}

func TestUniqueSlicePreservesFirstOccurrenceOrder(t *testing.T) {
	assert.Equal(t, []int{3, 1, 2}, UniqueSlice([]int{3, 1, 3, 2, 1}))
	assert.Equal(t, []string{"a"}, UniqueSlice([]string{"a", "a"}))
	assert.Empty(t, UniqueSlice([]string(nil)))
}
