package train

import (
	"sort"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

// SortByPriority returns a copy of entries ordered by priority ascending,
// then added_at ascending.
func SortByPriority(entries []model.QueueEntry) []model.QueueEntry {
	out := append([]model.QueueEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

// FilterProcessable keeps only pending entries.
func FilterProcessable(entries []model.QueueEntry) []model.QueueEntry {
	var out []model.QueueEntry
	for _, e := range entries {
		if e.Status == model.StatusPending {
			out = append(out, e)
		}
	}
	return out
}

// CalculatePositions maps each workspace to its 1-based position in entries.
func CalculatePositions(entries []model.QueueEntry) map[string]int {
	positions := make(map[string]int, len(entries))
	for i, e := range entries {
		positions[e.Workspace] = i + 1
	}
	return positions
}
