package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNext(t *testing.T) {
	base := 1 * time.Second
	max := 60 * time.Second

	assert.Equal(t, 1*time.Second, Next(1, base, max))
	assert.Equal(t, 2*time.Second, Next(2, base, max))
	assert.Equal(t, 4*time.Second, Next(3, base, max))
	assert.Equal(t, 8*time.Second, Next(4, base, max))
	assert.Equal(t, max, Next(100, base, max))
}

func TestLinear(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Linear(1, base))
	assert.Equal(t, 6*time.Second, Linear(3, base))
}
