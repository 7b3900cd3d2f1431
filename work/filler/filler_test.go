package filler

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"kptv-station/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	types.Store
	collections map[int64][]*types.MediaItem
	err         error
}

func (f *fakeStore) CollectionItems(_ context.Context, id int64) ([]*types.MediaItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.collections[id], nil
}

func media(id int64) *types.MediaItem {
	return &types.MediaItem{ID: id, Title: "filler", Duration: 30}
}

func TestSelectNilPreset(t *testing.T) {
	s := New(&fakeStore{}, rand.New(rand.NewSource(1)))
	item, err := s.Select(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestSelectSingleEntry(t *testing.T) {
	s := New(&fakeStore{}, rand.New(rand.NewSource(1)))
	preset := &types.FillerPreset{
		Entries: []types.FillerEntry{{Media: media(1), Weight: 3}},
	}

	for i := 0; i < 20; i++ {
		item, err := s.Select(context.Background(), preset)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, int64(1), item.ID)
	}
}

func TestSelectWeightingSkewsDistribution(t *testing.T) {
	s := New(&fakeStore{}, rand.New(rand.NewSource(42)))
	preset := &types.FillerPreset{
		Entries: []types.FillerEntry{
			{Media: media(1), Weight: 9},
			{Media: media(2), Weight: 1},
		},
	}

	counts := map[int64]int{}
	const trials = 2000
	for i := 0; i < trials; i++ {
		item, err := s.Select(context.Background(), preset)
		require.NoError(t, err)
		counts[item.ID]++
	}

	// Expected 90/10 split; allow generous slack around it.
	assert.Greater(t, counts[1], trials*8/10)
	assert.Greater(t, counts[2], 0)
	assert.Less(t, counts[2], trials*2/10)
}

func TestSelectTreatsZeroWeightAsOne(t *testing.T) {
	s := New(&fakeStore{}, rand.New(rand.NewSource(7)))
	preset := &types.FillerPreset{
		Entries: []types.FillerEntry{
			{Media: media(1), Weight: 0},
			{Media: media(2), Weight: -3},
		},
	}

	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		item, err := s.Select(context.Background(), preset)
		require.NoError(t, err)
		seen[item.ID] = true
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}

func TestSelectSkipsEntriesWithoutMedia(t *testing.T) {
	s := New(&fakeStore{}, rand.New(rand.NewSource(1)))
	preset := &types.FillerPreset{
		Entries: []types.FillerEntry{{Media: nil, Weight: 5}},
	}

	item, err := s.Select(context.Background(), preset)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestSelectCollectionFallback(t *testing.T) {
	store := &fakeStore{collections: map[int64][]*types.MediaItem{
		9: {media(10), media(11)},
	}}
	s := New(store, rand.New(rand.NewSource(3)))
	preset := &types.FillerPreset{CollectionID: 9}

	seen := map[int64]bool{}
	for i := 0; i < 50; i++ {
		item, err := s.Select(context.Background(), preset)
		require.NoError(t, err)
		require.NotNil(t, item)
		seen[item.ID] = true
	}
	assert.True(t, seen[10])
	assert.True(t, seen[11])
}

func TestSelectEmptyCollection(t *testing.T) {
	store := &fakeStore{collections: map[int64][]*types.MediaItem{}}
	s := New(store, rand.New(rand.NewSource(1)))

	item, err := s.Select(context.Background(), &types.FillerPreset{CollectionID: 4})
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestSelectCollectionError(t *testing.T) {
	store := &fakeStore{err: errors.New("db gone")}
	s := New(store, rand.New(rand.NewSource(1)))

	_, err := s.Select(context.Background(), &types.FillerPreset{CollectionID: 4})
	assert.Error(t, err)
}
