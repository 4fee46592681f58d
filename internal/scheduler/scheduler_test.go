package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gurtd/gurtd/internal/postgres"
)

func TestFairOrderRoundRobinsAcrossDomains(t *testing.T) {
	entries := []postgres.QueueEntry{
		{ID: 1, DomainID: 10},
		{ID: 2, DomainID: 10},
		{ID: 3, DomainID: 10},
		{ID: 4, DomainID: 20},
	}

	ordered := fairOrder(entries)
	require.Len(t, ordered, 4)

	domains := make([]int64, len(ordered))
	for i, e := range ordered {
		domains[i] = e.DomainID
	}
	require.Equal(t, []int64{10, 20, 10, 10}, domains, "domain 20's single entry should not be pushed to the back of the tick")
}
