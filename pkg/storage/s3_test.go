package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReportKey(t *testing.T) {
	assert.Equal(t, "reports/a1/s1.json", ReportKey("a1", "s1"))
	assert.Equal(t, "reports/a1/s1.json", ReportKey("../a1", "x/s1"), "ids cannot escape the prefix")
}

func TestPresignExpire(t *testing.T) {
	assert.Equal(t, 15*time.Minute, (&S3{}).PresignExpire())
	assert.Equal(t, 5*time.Minute, (&S3{cfg: S3Config{PresignExpireMinutes: 5}}).PresignExpire())
}
