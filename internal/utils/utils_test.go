package utils_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/forest-guardian/vi-anomaly/internal/utils"
)

func TestGetSortedKeys(t *testing.T) {
	t.Parallel()

	d1 := time.Date(2019, 1, 5, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	d3 := time.Date(2021, 7, 9, 0, 0, 0, 0, time.UTC)
	m := map[time.Time]string{d2: "b", d3: "c", d1: "a"}

	assert.Equal(t, []time.Time{d1, d2, d3}, utils.GetSortedKeys(m, true))
	assert.Equal(t, []time.Time{d3, d2, d1}, utils.GetSortedKeys(m, false))
}

func TestExecuteWithMutex(t *testing.T) {
	t.Parallel()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			utils.ExecuteWithMutex(func() { counter++ })
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}
