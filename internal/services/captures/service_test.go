package captures

import (
	"testing"
	"time"

	"privacycam-go/internal/core/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func testService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Capture{}))
	return NewService(db), db
}

func TestCreateAndPaymentFlow(t *testing.T) {
	s, _ := testService(t)

	capture, err := s.Create("0xabc", "photo", "")
	require.NoError(t, err)
	require.NotEmpty(t, capture.CaptureID)

	// A fresh capture is unpaid until a confirmed payment arrives.
	assert.False(t, s.IsPaid(capture.CaptureID))

	require.NoError(t, s.MarkPaid(capture.CaptureID))
	assert.True(t, s.IsPaid(capture.CaptureID))

	loaded, err := s.Get(capture.CaptureID)
	require.NoError(t, err)
	assert.True(t, loaded.Paid)
}

func TestUnknownCaptureCountsAsUnpaid(t *testing.T) {
	s, _ := testService(t)

	assert.False(t, s.IsPaid("no-such-capture"))
	assert.ErrorIs(t, s.MarkPaid("no-such-capture"), ErrCaptureNotFound)

	_, err := s.Get("no-such-capture")
	assert.ErrorIs(t, err, ErrCaptureNotFound)
}

func TestPruneOlderThan(t *testing.T) {
	s, db := testService(t)

	fresh, err := s.Create("0xabc", "photo", "")
	require.NoError(t, err)

	stale, err := s.Create("0xabc", "photo", "")
	require.NoError(t, err)
	old := time.Now().AddDate(0, 0, -40)
	require.NoError(t, db.Model(&models.Capture{}).
		Where("capture_id = ?", stale.CaptureID).
		Update("created_at", old).Error)

	deleted, err := s.PruneOlderThan(30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.Get(stale.CaptureID)
	assert.ErrorIs(t, err, ErrCaptureNotFound)
	_, err = s.Get(fresh.CaptureID)
	assert.NoError(t, err)
}
