package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func newClockedStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestStore_CreateAndGet(t *testing.T) {
	s, _ := newClockedStore(t)

	st, err := s.Create(SettingInput{Key: "MAX_RETRY", Value: "3", Active: true})
	require.NoError(t, err)
	assert.Equal(t, TypeRuntime, st.Type, "type defaults to RUNTIME")
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), st.ModifiedAt)

	got, err := s.Get("MAX_RETRY")
	require.NoError(t, err)
	assert.Equal(t, "3", got.Value)

	_, err = s.Create(SettingInput{Key: "MAX_RETRY", Value: "5"})
	assert.ErrorIs(t, err, ErrExists)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateValidation(t *testing.T) {
	s := NewStore()

	tests := []struct {
		name string
		in   SettingInput
	}{
		{"empty key", SettingInput{Key: ""}},
		{"lowercase key", SettingInput{Key: "max_retry"}},
		{"leading digit", SettingInput{Key: "1_RETRY"}},
		{"unknown type", SettingInput{Key: "MAX_RETRY", Type: "SECRET"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(tt.in)
			assert.ErrorIs(t, err, ErrInvalidSetting)
		})
	}
	assert.Empty(t, s.List(false))
}

func TestStore_UpdateRefreshesModifiedAt(t *testing.T) {
	s, now := newClockedStore(t)
	_, err := s.Create(SettingInput{Key: "LOG_RETENTION_DAYS", Value: "90", Type: TypeSystem, Active: true})
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	st, err := s.Update("LOG_RETENTION_DAYS", SettingPatch{Value: ptr("30"), Active: ptr(false)})
	require.NoError(t, err)
	assert.Equal(t, "30", st.Value)
	assert.False(t, st.Active)
	assert.Equal(t, TypeSystem, st.Type)
	assert.Equal(t, *now, st.ModifiedAt)

	_, err = s.Update("LOG_RETENTION_DAYS", SettingPatch{Type: ptr("bogus")})
	assert.ErrorIs(t, err, ErrInvalidSetting)

	_, err = s.Update("MISSING", SettingPatch{Value: ptr("x")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteAndList(t *testing.T) {
	s := NewStore()
	for _, in := range []SettingInput{
		{Key: "B_KEY", Active: true},
		{Key: "A_KEY", Active: false},
		{Key: "C_KEY", Active: true},
	} {
		_, err := s.Create(in)
		require.NoError(t, err)
	}

	var keys []string
	for _, st := range s.List(false) {
		keys = append(keys, st.Key)
	}
	assert.Equal(t, []string{"A_KEY", "B_KEY", "C_KEY"}, keys)
	assert.Len(t, s.List(true), 2)

	assert.True(t, s.Delete("B_KEY"))
	assert.False(t, s.Delete("B_KEY"))
	assert.Len(t, s.List(false), 2)
}

func TestDemoSeed(t *testing.T) {
	seeds, err := DemoSeed()
	require.NoError(t, err)
	require.Len(t, seeds, 5)
	assert.Equal(t, "DEFAULT_TIMEZONE", seeds[0].Key)

	s := NewStore()
	_, err = s.Create(SettingInput{Key: "MAX_RETRY", Value: "7"})
	require.NoError(t, err)

	n, err := ApplySeed(s, seeds)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	kept, _ := s.Get("MAX_RETRY")
	assert.Equal(t, "7", kept.Value, "existing keys are not overwritten")
	email, _ := s.Get("NOTIFICATION_EMAIL")
	assert.Equal(t, TypeNotification, email.Type)
}
