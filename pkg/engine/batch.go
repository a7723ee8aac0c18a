package engine

import (
	"github.com/cuemby/corral/pkg/types"
)

// batchPlan is what the batch policy (or the caller) left in action.data
// under "creation", "deletion" or "update"
type batchPlan struct {
	Count      int
	BatchSize  int // -1 = everything in a single wave
	PauseTime  int // seconds between waves
	Candidates []string
}

// planFrom reads the named plan out of action data. Absent fields default
// to a single wave with no pause; a batch_size of zero is a policy error.
func planFrom(data map[string]interface{}, key string, defaultCount int) (batchPlan, error) {
	plan := batchPlan{Count: defaultCount, BatchSize: -1}

	raw, ok := data[key].(map[string]interface{})
	if !ok {
		return plan, nil
	}
	if v, ok := toInt(raw["count"]); ok {
		plan.Count = v
	}
	if v, ok := toInt(raw["batch_size"]); ok {
		if v == 0 {
			return plan, types.InvalidParameter("batch_size cannot be zero")
		}
		plan.BatchSize = v
	}
	if v, ok := toInt(raw["pause_time"]); ok {
		plan.PauseTime = v
	}
	if list, ok := raw["candidates"].([]interface{}); ok {
		for _, c := range list {
			if id, ok := c.(string); ok {
				plan.Candidates = append(plan.Candidates, id)
			}
		}
	} else if list, ok := raw["candidates"].([]string); ok {
		plan.Candidates = append(plan.Candidates, list...)
	}
	return plan, nil
}

// waveSizes splits total into waves of at most batchSize
func waveSizes(total, batchSize int) []int {
	if total <= 0 {
		return nil
	}
	if batchSize < 0 || batchSize >= total {
		return []int{total}
	}
	var waves []int
	for total > 0 {
		n := batchSize
		if total < n {
			n = total
		}
		waves = append(waves, n)
		total -= n
	}
	return waves
}

// waveSlices splits a candidate list into waves of at most batchSize
func waveSlices(items []string, batchSize int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if batchSize < 0 || batchSize >= len(items) {
		return [][]string{items}
	}
	var waves [][]string
	for len(items) > 0 {
		n := batchSize
		if len(items) < n {
			n = len(items)
		}
		waves = append(waves, items[:n])
		items = items[n:]
	}
	return waves
}
