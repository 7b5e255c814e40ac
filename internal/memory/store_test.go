package memory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileDefaultsToEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "mem.json"), nil)
	snap, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.History)
	assert.Empty(t, snap.Lessons)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nested", "mem.json"), nil)
	snap := emptySnapshot()
	snap.History = append(snap.History, "did a thing")

	require.NoError(t, s.Save(snap))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"did a thing"}, loaded.History)
}

func TestEncryptedRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "mem.json")
	s := New(path, key)

	snap := emptySnapshot()
	snap.DomainVocabulary = []string{"widget"}
	require.NoError(t, s.Save(snap))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"widget"}, loaded.DomainVocabulary)

	// Wrong/no key can't read it back.
	s2 := New(path, nil)
	_, err = s2.Load()
	assert.Error(t, err)
}

func TestLearnFromErrorDeduplicates(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "mem.json"), nil)

	status1, err := s.LearnFromError("TypeError: cannot read property 'foo' of undefined at line 10", nil)
	require.NoError(t, err)
	assert.Equal(t, "learned new lesson", status1)

	status2, err := s.LearnFromError("TypeError: cannot read property 'foo' of undefined at line 55", nil)
	require.NoError(t, err)
	assert.Equal(t, "updated existing lesson", status2)

	snap, err := s.Load()
	require.NoError(t, err)
	require.Len(t, snap.Lessons, 1)
	assert.Equal(t, 2, snap.Lessons[0].Count)
}

func TestLearnFromErrorKnownPatternAction(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "mem.json"), nil)
	_, err := s.LearnFromError("Error: Module not found: Can't resolve 'react-dom'", nil)
	require.NoError(t, err)

	snap, err := s.Load()
	require.NoError(t, err)
	require.Len(t, snap.Lessons, 1)
	assert.Equal(t, "import_error", snap.Lessons[0].Category)
}

func TestGetLessonsForPromptSortsByCount(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "mem.json"), nil)
	snap := emptySnapshot()
	snap.Lessons = []Lesson{
		{Pattern: "low count", Count: 1, Tags: []string{"react"}, Severity: "low"},
		{Pattern: "mid count", Count: 3, Tags: []string{"vue"}, Severity: "medium"},
		{Pattern: "high count", Count: 9, Tags: []string{"global"}, Severity: "critical"},
	}
	require.NoError(t, s.Save(snap))

	out, err := s.GetLessonsForPrompt("vue", 15)
	require.NoError(t, err)
	assert.Contains(t, out, "high count")
	assert.Regexp(t, `(?s)high count.*mid count`, out)
	assert.NotContains(t, out, "low count") // tagged react, not requested tech or global
}
