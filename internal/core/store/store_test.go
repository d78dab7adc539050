package store

import (
	"fmt"
	"sync"
	"testing"

	"privacycam-go/internal/core/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testDims    = 4
	testVersion = "face-api-1.7"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Identity{}, &models.Descriptor{}, &models.Capture{}))
	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(testDB(t), testDims, testVersion)
	require.NoError(t, err)
	return s
}

func TestNewRequiresPositiveDimensions(t *testing.T) {
	_, err := New(testDB(t), 0, testVersion)
	assert.Error(t, err)
}

func TestEnrollAddsEntry(t *testing.T) {
	s := testStore(t)

	identity, err := s.Enroll("0xabc", "alice", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.Equal(t, "alice", identity.Name)
	assert.Equal(t, "0xabc", identity.Owner)

	g := s.Snapshot()
	require.Len(t, g.Entries, 1)
	assert.Equal(t, identity.ID, g.Entries[0].IdentityID)
	assert.Equal(t, []float32{1, 0, 0, 0}, g.Entries[0].Vector)
}

func TestEnrollRejectsDimensionMismatch(t *testing.T) {
	s := testStore(t)

	_, err := s.Enroll("0xabc", "alice", []float32{1, 0})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = s.Enroll("0xabc", "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	assert.Empty(t, s.Snapshot().Entries)
}

func TestSnapshotIsImmutable(t *testing.T) {
	s := testStore(t)

	before := s.Snapshot()
	_, err := s.Enroll("0xabc", "alice", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	// The earlier snapshot must not grow; a running scan never sees the
	// enrollment happening under it.
	assert.Empty(t, before.Entries)
	assert.Len(t, s.Snapshot().Entries, 1)
}

func TestAppendDescriptor(t *testing.T) {
	s := testStore(t)

	identity, err := s.Enroll("0xabc", "alice", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	require.NoError(t, s.Append(identity.ID, []float32{0.9, 0.1, 0, 0}))
	assert.Len(t, s.Snapshot().Entries, 2)

	assert.ErrorIs(t, s.Append(identity.ID, []float32{1}), ErrInvalidDescriptor)
	assert.ErrorIs(t, s.Append(9999, []float32{1, 0, 0, 0}), ErrIdentityNotFound)
}

func TestGetIdentity(t *testing.T) {
	s := testStore(t)

	enrolled, err := s.Enroll("0xabc", "alice", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	identity, err := s.Get(enrolled.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Name)
	assert.Equal(t, "0xabc", identity.Owner)
	assert.Len(t, identity.Descriptors, 1)

	_, err = s.Get(9999)
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestRemoveIdentity(t *testing.T) {
	s := testStore(t)

	alice, err := s.Enroll("0xabc", "alice", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	bob, err := s.Enroll("0xabc", "bob", []float32{0, 1, 0, 0})
	require.NoError(t, err)

	require.NoError(t, s.Remove(alice.ID))

	g := s.Snapshot()
	require.Len(t, g.Entries, 1)
	assert.Equal(t, bob.ID, g.Entries[0].IdentityID)

	assert.ErrorIs(t, s.Remove(alice.ID), ErrIdentityNotFound)
}

func TestReloadSkipsForeignModelVersions(t *testing.T) {
	db := testDB(t)
	s, err := New(db, testDims, testVersion)
	require.NoError(t, err)

	_, err = s.Enroll("0xabc", "alice", []float32{1, 0, 0, 0})
	require.NoError(t, err)

	// An identity enrolled under a different model version must not surface
	// in the gallery; its descriptors live in a different embedding space.
	foreign := models.Identity{Name: "old", Owner: "0xabc", ModelVersion: "legacy-1.0"}
	require.NoError(t, db.Create(&foreign).Error)
	desc, err := models.NewDescriptor(foreign.ID, []float32{0, 0, 1, 0})
	require.NoError(t, err)
	require.NoError(t, db.Create(&desc).Error)

	require.NoError(t, s.Reload())

	g := s.Snapshot()
	require.Len(t, g.Entries, 1)
	assert.Equal(t, "alice", g.Entries[0].Name)
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	s := testStore(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers validate every observed snapshot: entries are always complete
	// pairs with vectors of the configured size.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				g := s.Snapshot()
				for _, e := range g.Entries {
					assert.NotZero(t, e.IdentityID)
					assert.Len(t, e.Vector, testDims)
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		_, err := s.Enroll("0xabc", fmt.Sprintf("person-%d", i), []float32{float32(i), 1, 0, 0})
		require.NoError(t, err)
	}

	close(stop)
	wg.Wait()

	assert.Len(t, s.Snapshot().Entries, 20)
}
