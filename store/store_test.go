// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	f := Keys(t.TempDir())
	records, err := f.Load()
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestReplaceThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	f := Groups(dir)
	want := []Record{
		{Key: "chat", Value: []byte{1, 2, 3}},
		{Key: "ops", Value: []byte("admin-group")},
	}
	require.NoError(t, f.Replace(want))

	got, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReplaceOverwritesPreviousGeneration(t *testing.T) {
	dir := t.TempDir()
	f := History(dir)
	require.NoError(t, f.Replace([]Record{{Key: "a", Value: []byte("1")}}))
	require.NoError(t, f.Replace([]Record{{Key: "b", Value: []byte("2")}}))

	got, err := f.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Key)
}

func TestLoadRejectsWrongMagic(t *testing.T) {
	dir := t.TempDir()
	keysFile := Keys(dir)
	require.NoError(t, keysFile.Replace(nil))

	// Open the same path through the Groups handle, whose magic differs.
	wrongMagic := &File{path: keysFile.path, magic: magicGroups}
	_, err := wrongMagic.Load()
	assert.Equal(t, ErrBadMagic, err)
}

func TestEmptyReplaceRoundTrips(t *testing.T) {
	f := Keys(t.TempDir())
	require.NoError(t, f.Replace(nil))
	got, err := f.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}
