package task

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/go-fleet/fleet"
)

func addrs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("10.0.%d.%d", i/256, i%256)
	}
	return out
}

func TestPartitionTenOverThree(t *testing.T) {
	parts := Partition(addrs(10), 3)
	require.Len(t, parts, 3)
	assert.Equal(t, addrs(10)[0:4], parts[0])
	assert.Equal(t, addrs(10)[4:7], parts[1])
	assert.Equal(t, addrs(10)[7:10], parts[2])
}

func TestPartitionProperties(t *testing.T) {
	for _, total := range []int{0, 1, 2, 7, 10, 64, 255} {
		for _, n := range []int{1, 2, 3, 5, 16} {
			in := addrs(total)
			parts := Partition(in, n)
			require.Len(t, parts, n)

			var joined []string
			minSize, maxSize := total, 0
			for _, p := range parts {
				joined = append(joined, p...)
				minSize = min(minSize, len(p))
				maxSize = max(maxSize, len(p))
			}
			assert.True(t, slices.Equal(in, joined), "total=%d n=%d complete and ordered", total, n)
			assert.LessOrEqual(t, maxSize-minSize, 1, "total=%d n=%d balanced", total, n)
		}
	}
	assert.Nil(t, Partition(addrs(3), 0))
}

func TestPartitionSlicesDoNotAlias(t *testing.T) {
	parts := Partition(addrs(4), 2)
	parts[0] = append(parts[0], "x")
	assert.Equal(t, "10.0.0.2", parts[1][0])
}

func TestAssignSkipsEmpty(t *testing.T) {
	hosts := []fleet.Host{{ID: 5}, {ID: 6}, {ID: 7}}
	got := Assign(hosts, addrs(2))
	assert.Len(t, got, 2)
	assert.Contains(t, got, uint(5))
	assert.Contains(t, got, uint(6))
	assert.NotContains(t, got, uint(7))

	var keys []uint
	for k := range got {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	assert.Equal(t, []uint{5, 6}, keys)
}
