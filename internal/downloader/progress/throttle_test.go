package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThrottle(t *testing.T) {
	var got []int64

	th := NewThrottle(1000, func(written, _ int64) { got = append(got, written) })

	for w := int64(100); w <= 10_000; w += 100 {
		th.Update(w, 10_000)
	}

	// Every 5% of 10000 is 500 bytes, which comes before the 1000 byte interval.
	assert.Len(t, got, 20)
	assert.Equal(t, int64(500), got[0])
	assert.Equal(t, int64(10_000), got[len(got)-1])
}

func TestThrottle_UnknownTotal(t *testing.T) {
	var got []int64

	th := NewThrottle(1000, func(written, _ int64) { got = append(got, written) })

	for w := int64(250); w <= 3000; w += 250 {
		th.Update(w, -1)
	}

	assert.Equal(t, []int64{1000, 2000, 3000}, got)
}

func TestThrottle_Restart(t *testing.T) {
	var got []int64

	th := NewThrottle(1000, func(written, _ int64) { got = append(got, written) })

	th.Update(1500, -1)
	th.Update(200, -1)
	th.Update(1200, -1)

	assert.Equal(t, []int64{1500, 1200}, got)
}
