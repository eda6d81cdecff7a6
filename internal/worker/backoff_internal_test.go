package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay_DoublesPerAttempt(t *testing.T) {
	base := 5 * time.Second
	assert.Equal(t, 5*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 10*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 20*time.Second, backoffDelay(base, 3))

	assert.Equal(t, 8*time.Millisecond, backoffDelay(time.Millisecond, 4))
}
