package engine

import (
	"fmt"
	"math"

	"github.com/cuemby/corral/pkg/types"
)

// Adjustment types accepted by CLUSTER_RESIZE
const (
	AdjustmentExact      = "EXACT_CAPACITY"
	AdjustmentChange     = "CHANGE_IN_CAPACITY"
	AdjustmentPercentage = "CHANGE_IN_PERCENTAGE"
)

// resizeRequest is the parsed input set of a CLUSTER_RESIZE action
type resizeRequest struct {
	AdjustmentType string
	Number         float64
	MinStep        int
	Strict         bool
	MinSize        *int // bound overrides; nil keeps the cluster's
	MaxSize        *int
}

func parseResizeRequest(inputs map[string]interface{}) (resizeRequest, error) {
	req := resizeRequest{MinStep: 1}

	t, ok := inputs["adjustment_type"].(string)
	if !ok || t == "" {
		return req, types.InvalidParameter("adjustment_type is required")
	}
	switch t {
	case AdjustmentExact, AdjustmentChange, AdjustmentPercentage:
		req.AdjustmentType = t
	default:
		return req, types.InvalidParameter("unknown adjustment_type %q", t)
	}

	num, ok := toFloat(inputs["number"])
	if !ok {
		return req, types.InvalidParameter("number is required")
	}
	req.Number = num

	if v, ok := toInt(inputs["min_step"]); ok {
		req.MinStep = v
	}
	if v, ok := inputs["strict"].(bool); ok {
		req.Strict = v
	}
	if v, ok := toInt(inputs["min_size"]); ok {
		req.MinSize = &v
	}
	if v, ok := toInt(inputs["max_size"]); ok {
		req.MaxSize = &v
	}
	return req, nil
}

// computeResize resolves the target capacity and the effective bounds. In
// strict mode a target outside the bounds is an error with a precise
// message; otherwise the target is silently truncated.
func computeResize(cluster *types.Cluster, req resizeRequest) (target, effMin, effMax int, err error) {
	desired := cluster.DesiredCapacity

	switch req.AdjustmentType {
	case AdjustmentExact:
		target = int(req.Number)
	case AdjustmentChange:
		target = desired + int(req.Number)
	case AdjustmentPercentage:
		raw := float64(desired) * (1 + req.Number/100)
		step := int(math.Ceil(math.Abs(raw - float64(desired))))
		if min := abs(req.MinStep); step < min {
			step = min
		}
		if req.Number >= 0 {
			target = desired + step
		} else {
			target = desired - step
		}
	}

	effMin = cluster.MinSize
	minWord := "cluster's"
	if req.MinSize != nil {
		effMin = *req.MinSize
		minWord = "specified"
	}
	effMax = cluster.MaxSize
	maxWord := "cluster's"
	if req.MaxSize != nil {
		effMax = *req.MaxSize
		maxWord = "specified"
	}

	if target < effMin {
		if req.Strict {
			return 0, 0, 0, fmt.Errorf(
				"The target capacity (%d) is less than the %s min_size (%d).",
				target, minWord, effMin)
		}
		target = effMin
	}
	if effMax >= 0 && target > effMax {
		if req.Strict {
			return 0, 0, 0, fmt.Errorf(
				"The target capacity (%d) is greater than the %s max_size (%d).",
				target, maxWord, effMax)
		}
		target = effMax
	}
	return target, effMin, effMax, nil
}

// checkCapacityBounds rejects a prospective desired capacity outside the
// cluster's bounds. Direct scale and membership operations carry no strict
// flag and no bound overrides, so the cluster's own bounds always apply.
func checkCapacityBounds(cluster *types.Cluster, target int) error {
	if target < cluster.MinSize {
		return fmt.Errorf(
			"The target capacity (%d) is less than the cluster's min_size (%d).",
			target, cluster.MinSize)
	}
	if cluster.MaxSize >= 0 && target > cluster.MaxSize {
		return fmt.Errorf(
			"The target capacity (%d) is greater than the cluster's max_size (%d).",
			target, cluster.MaxSize)
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// toInt tolerates the numeric shapes a JSON round trip produces
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
