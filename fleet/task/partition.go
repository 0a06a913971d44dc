package task

import "github.com/SiriusScan/go-fleet/fleet"

// Partition splits addresses into n contiguous slices in input order. The
// first len(addresses)%n slices hold one extra address, so sizes differ by
// at most one. Slices may be empty when there are fewer addresses than n.
func Partition(addresses []string, n int) [][]string {
	if n <= 0 {
		return nil
	}
	q, r := len(addresses)/n, len(addresses)%n
	out := make([][]string, n)
	start := 0
	for i := range out {
		size := q
		if i < r {
			size++
		}
		out[i] = addresses[start : start+size : start+size]
		start += size
	}
	return out
}

// Assign partitions addresses over hosts and keys the slices by host ID.
// Hosts left with no addresses are omitted.
func Assign(hosts []fleet.Host, addresses []string) map[uint][]string {
	parts := Partition(addresses, len(hosts))
	out := make(map[uint][]string, len(hosts))
	for i, h := range hosts {
		if len(parts[i]) > 0 {
			out[h.ID] = parts[i]
		}
	}
	return out
}
