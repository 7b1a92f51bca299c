package txn

import "sort"

// SortAscending orders records by timestamp in place, keeping ties stable.
func SortAscending(history []Transaction) {
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Timestamp.Before(history[j].Timestamp)
	})
}
