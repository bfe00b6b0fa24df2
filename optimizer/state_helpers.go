package optimizer

import (
	"fmt"

	"github.com/tsawler/visiontrain/checkpoints"
	"github.com/tsawler/visiontrain/tensor"
)

// Common helper functions for optimizer state management

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// snapshotBuffers copies moment buffers into serializable tensors
func snapshotBuffers(buffers map[int][]float32, params []*tensor.Tensor, stateType string) []checkpoints.OptimizerTensor {
	var out []checkpoints.OptimizerTensor
	for k := 0; k < len(params); k++ {
		buf, ok := buffers[k]
		if !ok {
			continue
		}
		data := make([]float32, len(buf))
		copy(data, buf)
		out = append(out, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", stateType, k),
			Shape:     append([]int(nil), params[k].Shape...),
			Data:      data,
			StateType: stateType,
		})
	}
	return out
}

// restoreBuffers copies serialized tensors of one state type back into buffers
func restoreBuffers(state *OptimizerState, params []*tensor.Tensor, stateType string) (map[int][]float32, error) {
	buffers := make(map[int][]float32)
	for _, st := range state.StateData {
		if st.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(params) {
			return nil, fmt.Errorf("invalid buffer index in tensor name: %s", st.Name)
		}
		if len(st.Data) != params[idx].NumElems {
			return nil, fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				st.Name, params[idx].NumElems, len(st.Data))
		}
		data := make([]float32, len(st.Data))
		copy(data, st.Data)
		buffers[idx] = data
	}
	return buffers, nil
}

// extractFloat64Param safely extracts a float parameter from the state map.
// Values decoded from JSON arrive as float64.
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a counter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	}
	return defaultValue
}
