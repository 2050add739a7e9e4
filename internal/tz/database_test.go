package tz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDatabaseLocation(t *testing.T) {
	db := New()

	utc, err := db.Location("UTC")
	require.NoError(t, err)
	require.Equal(t, time.UTC, utc)

	ny, err := db.Location("America/New_York")
	require.NoError(t, err)
	again, err := db.Location("America/New_York")
	require.NoError(t, err)
	require.Same(t, ny, again)

	_, offset := time.Date(2024, 1, 15, 12, 0, 0, 0, ny).Zone()
	require.Equal(t, -5*60*60, offset)

	_, err = db.Location("Mars/Olympus_Mons")
	require.Error(t, err)
}

func TestDatabaseIsValid(t *testing.T) {
	db := New()
	require.True(t, db.IsValid("Europe/Rome"))
	require.False(t, db.IsValid("Not/AZone"))
}
