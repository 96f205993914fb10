package mediaprobe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationWithTimeoutReturnsErrorForMissingFile(t *testing.T) {
	_, err := DurationWithTimeout("/nonexistent/path/to/media.mp4", 5*time.Second)
	assert.Error(t, err)
}
