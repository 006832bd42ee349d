package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type document struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestNewStorage_UnknownType(t *testing.T) {
	_, err := NewStorage("etcd", Options{})
	assert.Error(t, err)
}

func TestFileStorage_SaveLoad(t *testing.T) {
	s, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(KeySavedServers, []byte(`{"a":1}`)))

	data, err := s.Load(KeySavedServers)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
}

func TestFileStorage_LoadMissing(t *testing.T) {
	s, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	data, err := s.Load(KeyMapChanges)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestFileStorage_NoTempFileLeft(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(KeyMapChanges, []byte(`{}`)))
	require.NoError(t, s.Save(KeyMapChanges, []byte(`{"changes":{}}`)))

	_, err = os.Stat(filepath.Join(dir, KeyMapChanges+".json.tmp"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(dir, KeyMapChanges+".json"))
	require.NoError(t, err)
	assert.Equal(t, `{"changes":{}}`, string(data))
}

func TestFileStorage_RejectsPathKeys(t *testing.T) {
	s, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	err = s.Save("../escape", []byte("x"))
	assert.True(t, errors.Is(err, ErrInvalidKey))

	_, err = s.Load("a/b")
	assert.True(t, errors.Is(err, ErrInvalidKey))
}

func TestSQLiteStorage_SaveLoad(t *testing.T) {
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "scanner.db"))
	require.NoError(t, err)
	defer s.Close()

	data, err := s.Load(KeySavedServers)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.Save(KeySavedServers, []byte(`{"v":1}`)))
	require.NoError(t, s.Save(KeySavedServers, []byte(`{"v":2}`)))

	data, err = s.Load(KeySavedServers)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))
}

func TestSQLiteStorage_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanner.db")

	s, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(KeyMapChanges, []byte(`{"history":{}}`)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStorage(path)
	require.NoError(t, err)
	defer s.Close()

	data, err := s.Load(KeyMapChanges)
	require.NoError(t, err)
	assert.JSONEq(t, `{"history":{}}`, string(data))
}

func TestMemoryStorage_CopiesData(t *testing.T) {
	s := NewMemoryStorage()

	buf := []byte(`{"a":1}`)
	require.NoError(t, s.Save(KeySavedServers, buf))
	buf[2] = 'b'

	data, err := s.Load(KeySavedServers)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestMemoryStorage_FailSaves(t *testing.T) {
	s := NewMemoryStorage()
	s.FailSaves = errors.New("disk full")

	assert.Error(t, s.Save(KeySavedServers, []byte(`{}`)))
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemoryStorage()

	var out document
	found, err := LoadJSON(s, KeyMapChanges, &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SaveJSON(s, KeyMapChanges, document{Name: "x", Count: 3}))

	found, err = LoadJSON(s, KeyMapChanges, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, document{Name: "x", Count: 3}, out)
}

func TestLoadJSON_Malformed(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, s.Save(KeyMapChanges, []byte("{not json")))

	var out document
	_, err := LoadJSON(s, KeyMapChanges, &out)
	assert.Error(t, err)
}
