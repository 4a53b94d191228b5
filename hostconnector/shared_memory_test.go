//go:build unix

package hostconnector

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mjbridge/bridge"
)

func openPair(t *testing.T, maxObjects uint32) (*SharedMemoryBlock, *SharedMemoryBlock) {
	t.Helper()
	config := SharedMemoryConfig{Path: filepath.Join(t.TempDir(), "sync"), MaxObjects: maxObjects}

	writer, err := NewSharedMemoryBlock(config, true)
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	reader, err := NewSharedMemoryBlock(config, false)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })
	return writer, reader
}

func object(id uint64, name string, x float64) ObjectSyncData {
	return ObjectSyncData{
		ObjectID:   id,
		Parent:     id - 1,
		Body:       int(id),
		Name:       name,
		Position:   [3]float64{x, 0, 0},
		Rotation:   [4]float64{1, 0, 0, 0},
		StateFlags: StateVisible | StateActive,
	}
}

func TestSharedMemoryRoundTrip(t *testing.T) {
	writer, reader := openPair(t, 8)

	stamp := time.Unix(1700000000, 42)
	require.NoError(t, writer.WriteFrame(SyncFrame{
		FrameNumber:  3,
		SimTime:      0.05,
		Timestamp:    stamp,
		Flags:        FlagFullSync,
		TotalObjects: 2,
		Objects:      []ObjectSyncData{object(1, "torso", 0.5), object(2, "thigh", -1)},
	}))

	got, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.FrameNumber)
	assert.Equal(t, 0.05, got.SimTime)
	assert.True(t, got.Timestamp.Equal(stamp))
	assert.True(t, got.Full())
	require.Len(t, got.Objects, 2)
	assert.Equal(t, object(1, "torso", 0.5), got.Objects[0])
	assert.Equal(t, object(2, "thigh", -1), got.Objects[1])
}

func TestSharedMemoryMergesDeltaFrames(t *testing.T) {
	writer, reader := openPair(t, 8)

	require.NoError(t, writer.WriteFrame(SyncFrame{
		FrameNumber: 1,
		Flags:       FlagFullSync,
		Objects:     []ObjectSyncData{object(1, "a", 0), object(2, "b", 0)},
	}))
	require.NoError(t, writer.WriteFrame(SyncFrame{
		FrameNumber: 2,
		Objects:     []ObjectSyncData{object(2, "b", 7)},
	}))

	got, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.FrameNumber)
	assert.False(t, got.Full())
	require.Len(t, got.Objects, 2)
	assert.Equal(t, 0.0, got.Objects[0].Position[0])
	assert.Equal(t, 7.0, got.Objects[1].Position[0])

	// 完整同步重置对象表
	require.NoError(t, writer.WriteFrame(SyncFrame{
		FrameNumber: 3,
		Flags:       FlagFullSync,
		Objects:     []ObjectSyncData{object(5, "c", 1)},
	}))
	got, err = reader.ReadFrame()
	require.NoError(t, err)
	require.Len(t, got.Objects, 1)
	assert.Equal(t, uint64(5), got.Objects[0].ObjectID)

	writes, bytes := writer.GetStats()
	assert.Equal(t, uint64(3), writes)
	assert.Positive(t, bytes)
}

func TestSharedMemoryCapacity(t *testing.T) {
	writer, _ := openPair(t, 1)
	err := writer.WriteFrame(SyncFrame{
		Flags:   FlagFullSync,
		Objects: []ObjectSyncData{object(1, "a", 0), object(2, "b", 0)},
	})
	assert.ErrorIs(t, err, ErrSharedMemoryFull)
}

func TestSharedMemoryLongName(t *testing.T) {
	writer, reader := openPair(t, 2)
	long := "a_body_name_that_is_longer_than_thirty_two_bytes"
	require.NoError(t, writer.WriteFrame(SyncFrame{Flags: FlagFullSync, Objects: []ObjectSyncData{object(1, long, 0)}}))

	got, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, long[:sharedNameLen], got.Objects[0].Name)
}

func TestSharedMemoryLayoutMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync")
	writer, err := NewSharedMemoryBlock(SharedMemoryConfig{Path: path, MaxObjects: 4}, true)
	require.NoError(t, err)
	defer writer.Close()

	_, err = NewSharedMemoryBlock(SharedMemoryConfig{Path: path, MaxObjects: 2}, false)
	assert.ErrorIs(t, err, ErrSharedMemoryLayout)
}

func TestSharedMemoryCloseRemovesFile(t *testing.T) {
	config := SharedMemoryConfig{Path: filepath.Join(t.TempDir(), "sync"), MaxObjects: 2}
	writer, err := NewSharedMemoryBlock(config, true)
	require.NoError(t, err)

	require.NoError(t, writer.Close())
	require.NoError(t, writer.Close())
	_, err = os.Stat(config.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.ErrorIs(t, writer.WriteFrame(SyncFrame{}), ErrSharedMemoryClosed)
}

func TestSyncManagerFeedsSharedMemory(t *testing.T) {
	g, nodes, rec, _ := setup(t, SyncConfig{FullSyncInterval: 100, ChangeThreshold: 0.9})
	writer, reader := openPair(t, 8)

	osm := NewObjectSyncManager(g, MultiSink{rec, writer}, SyncConfig{FullSyncInterval: 100, ChangeThreshold: 0.9})
	for i, n := range nodes {
		require.True(t, osm.RegisterObject(i, n, 0, "body"))
	}

	osm.OnFrame(bridge.SimulationState{Time: 0.1})
	moveTo(t, g, nodes[2], 4)
	osm.OnFrame(bridge.SimulationState{Time: 0.2})

	// 增量帧只带一个对象，共享内存中仍然是全部对象
	require.Len(t, rec.frames, 2)
	assert.Len(t, rec.frames[1].Objects, 1)

	got, err := reader.ReadFrame()
	require.NoError(t, err)
	require.Len(t, got.Objects, len(nodes))
	assert.Equal(t, 0.2, got.SimTime)
	assert.Equal(t, 4.0, got.Objects[2].Position[0])
}

func TestMultiSinkCollectsErrors(t *testing.T) {
	boom := errors.New("boom")
	var calls int
	sink := MultiSink{
		SinkFunc(func(SyncFrame) error { calls++; return boom }),
		SinkFunc(func(SyncFrame) error { calls++; return nil }),
	}
	assert.ErrorIs(t, sink.WriteFrame(SyncFrame{}), boom)
	assert.Equal(t, 2, calls)
}
