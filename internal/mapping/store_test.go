package mapping

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mappings.log")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestFileStore_PutGetBySource(t *testing.T) {
	s, _ := newTestStore(t)

	src := SourceKey{AccountID: "srcA", PositionID: "p1"}
	dst := DestKey{AccountID: "dstA", PositionID: "d1"}

	err := s.Put(Mapping{Source: src, Dest: dst, RouteID: "r1"})
	require.NoError(t, err)

	got, err := s.GetBySource(src)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.Equal(t, dst, got.Dest)
}

func TestFileStore_PutDuplicateRejected(t *testing.T) {
	s, _ := newTestStore(t)
	src := SourceKey{AccountID: "srcA", PositionID: "p1"}

	require.NoError(t, s.Put(Mapping{Source: src, Dest: DestKey{AccountID: "dstA", PositionID: "d1"}, RouteID: "r1"}))
	err := s.Put(Mapping{Source: src, Dest: DestKey{AccountID: "dstA", PositionID: "d2"}, RouteID: "r1"})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestFileStore_GetByDest(t *testing.T) {
	s, _ := newTestStore(t)
	src := SourceKey{AccountID: "srcA", PositionID: "p1"}
	dst := DestKey{AccountID: "dstA", PositionID: "d1"}
	require.NoError(t, s.Put(Mapping{Source: src, Dest: dst, RouteID: "r1"}))

	got, err := s.GetByDest(dst)
	require.NoError(t, err)
	require.Equal(t, src, got.Source)

	got, err = s.GetByDest(dst, "srcA")
	require.NoError(t, err)
	require.Equal(t, src, got.Source)

	_, err = s.GetByDest(DestKey{AccountID: "dstA", PositionID: "missing"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_MarkClosedIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	src := SourceKey{AccountID: "srcA", PositionID: "p1"}
	require.NoError(t, s.Put(Mapping{Source: src, Dest: DestKey{AccountID: "dstA", PositionID: "d1"}, RouteID: "r1"}))

	require.NoError(t, s.MarkClosed(src))
	_, err := s.GetBySource(src)
	require.ErrorIs(t, err, ErrNotFound)

	// Closing again is a no-op, not an error.
	require.NoError(t, s.MarkClosed(src))
}

func TestFileStore_ListActiveForRoute(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Put(Mapping{Source: SourceKey{AccountID: "a", PositionID: "1"}, Dest: DestKey{AccountID: "d", PositionID: "1"}, RouteID: "r1"}))
	require.NoError(t, s.Put(Mapping{Source: SourceKey{AccountID: "a", PositionID: "2"}, Dest: DestKey{AccountID: "d", PositionID: "2"}, RouteID: "r2"}))

	list, err := s.ListActiveForRoute("r1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestFileStore_SurvivesRestart(t *testing.T) {
	s, path := newTestStore(t)
	src := SourceKey{AccountID: "srcA", PositionID: "p1"}
	require.NoError(t, s.Put(Mapping{Source: src, Dest: DestKey{AccountID: "dstA", PositionID: "d1"}, RouteID: "r1"}))
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetBySource(src)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
}

func TestFileStore_DeleteRemovesMapping(t *testing.T) {
	s, _ := newTestStore(t)
	src := SourceKey{AccountID: "srcA", PositionID: "p1"}
	require.NoError(t, s.Put(Mapping{Source: src, Dest: DestKey{AccountID: "dstA", PositionID: "d1"}, RouteID: "r1"}))
	require.NoError(t, s.Delete(src))

	_, err := s.GetBySource(src)
	require.ErrorIs(t, err, ErrNotFound)
}
