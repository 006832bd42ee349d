package saved

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cs2-scanner/internal/storage"
	"github.com/cs2-scanner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *storage.MemoryStorage) {
	t.Helper()
	mem := storage.NewMemoryStorage()
	return NewStore(mem, nil), mem
}

func entry(address, name, mode string) types.SavedServer {
	return types.SavedServer{Address: address, Name: name, Mode: mode}
}

func TestStore_AddPersists(t *testing.T) {
	s, mem := newTestStore(t)

	added, err := s.Add(entry("10.0.0.1:27015", "Alpha", "Wingman"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", added.IP)
	assert.Equal(t, "27015", added.Port)
	assert.False(t, added.AddedAt.IsZero())

	data, err := mem.Load(storage.KeySavedServers)
	require.NoError(t, err)

	var doc map[string]types.SavedServer
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Contains(t, doc, "10.0.0.1:27015")
	assert.Equal(t, "Alpha", doc["10.0.0.1:27015"].Name)
}

func TestStore_AddFromIPAndPort(t *testing.T) {
	s, _ := newTestStore(t)

	added, err := s.Add(types.SavedServer{IP: "10.0.0.2", Port: "27016", Name: "Bravo", Mode: "Legacy"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:27016", added.Address)

	_, ok := s.Get("10.0.0.2:27016")
	assert.True(t, ok)
}

func TestStore_AddUpserts(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Add(entry("10.0.0.1:27015", "Alpha", "Wingman"))
	require.NoError(t, err)
	_, err = s.Add(entry("10.0.0.1:27015", "Alpha 2", "Legacy"))
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	got, _ := s.Get("10.0.0.1:27015")
	assert.Equal(t, "Alpha 2", got.Name)
}

func TestStore_Validation(t *testing.T) {
	s, _ := newTestStore(t)

	cases := []types.SavedServer{
		entry("10.0.0.1", "Alpha", "Wingman"),
		entry("10.0.0.1:abc", "Alpha", "Wingman"),
		entry("10.0.0.1:70000", "Alpha", "Wingman"),
		entry("10.0.0.1:27015", "  ", "Wingman"),
		entry("10.0.0.1:27015", "Alpha", ""),
		entry("", "Alpha", "Wingman"),
	}
	for _, c := range cases {
		_, err := s.Add(c)
		assert.True(t, errors.Is(err, ErrInvalidInput), "address=%q name=%q mode=%q", c.Address, c.Name, c.Mode)
	}
	assert.Equal(t, 0, s.Len())
}

func TestStore_UpdateNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Update(entry("10.0.0.9:27015", "Ghost", "Mixed"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_UpdateKeepsAddedAt(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	_, err := s.Add(entry("10.0.0.1:27015", "Alpha", "Wingman"))
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Hour) }
	updated := entry("10.0.0.1:27015", "Alpha", "Legacy")
	updated.Description = "moved to legacy rotation"
	got, err := s.Update(updated)
	require.NoError(t, err)

	assert.Equal(t, base, got.AddedAt)
	assert.Equal(t, base.Add(time.Hour), got.UpdatedAt)
	assert.Equal(t, "Legacy", got.Mode)
	assert.Equal(t, "moved to legacy rotation", got.Description)
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Add(entry("10.0.0.1:27015", "Alpha", "Wingman"))
	require.NoError(t, err)

	require.NoError(t, s.Delete("10.0.0.1:27015"))
	assert.Equal(t, 0, s.Len())

	err = s.Delete("10.0.0.1:27015")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_AddIfAbsentKeepsCuratedEntry(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Add(entry("10.0.0.1:27015", "Curated", "Wingman"))
	require.NoError(t, err)

	added, err := s.AddIfAbsent(entry("10.0.0.1:27015", "Auto", "Mixed"))
	require.NoError(t, err)
	assert.False(t, added)

	got, _ := s.Get("10.0.0.1:27015")
	assert.Equal(t, "Curated", got.Name)

	added, err = s.AddIfAbsent(entry("10.0.0.2:27015", "Auto", "Mixed"))
	require.NoError(t, err)
	assert.True(t, added)
}

func TestStore_PersistenceFailureKeepsMemory(t *testing.T) {
	s, mem := newTestStore(t)
	mem.FailSaves = errors.New("disk full")

	_, err := s.Add(entry("10.0.0.1:27015", "Alpha", "Wingman"))
	assert.True(t, errors.Is(err, ErrPersistence))

	_, ok := s.Get("10.0.0.1:27015")
	assert.True(t, ok)
}

func TestStore_LoadRoundTrip(t *testing.T) {
	s, mem := newTestStore(t)

	_, err := s.Add(entry("10.0.0.1:27015", "Alpha", "Wingman"))
	require.NoError(t, err)
	_, err = s.Add(entry("10.0.0.2:27015", "Bravo", "Legacy"))
	require.NoError(t, err)

	reloaded := NewStore(mem, nil)
	require.NoError(t, reloaded.Load())

	list := reloaded.List()
	require.Len(t, list, 2)
	assert.Equal(t, "10.0.0.1:27015", list[0].Address)
	assert.Equal(t, "Bravo", list[1].Name)
}

func TestStore_LoadLegacyDocument(t *testing.T) {
	mem := storage.NewMemoryStorage()
	require.NoError(t, mem.Save(storage.KeySavedServers, []byte(`{
		"10.0.0.3:27015": {"ip": "10.0.0.3", "port": "27015", "name": "Charlie", "mode": "Mixed", "description": ""}
	}`)))

	s := NewStore(mem, nil)
	require.NoError(t, s.Load())

	got, ok := s.Get("10.0.0.3:27015")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.3:27015", got.Address)
	assert.Equal(t, "Charlie", got.Name)
}

func TestStore_ListIsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Add(entry("10.0.0.1:27015", "Alpha", "Wingman"))
	require.NoError(t, err)

	list := s.List()
	list[0].Name = "mutated"

	got, _ := s.Get("10.0.0.1:27015")
	assert.Equal(t, "Alpha", got.Name)
}
