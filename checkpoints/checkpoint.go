package checkpoints

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/visiontrain/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension is the file suffix written for the format
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return ".pb"
	default:
		return ".json"
	}
}

// Checkpoint represents a model state: weights plus the metadata needed to
// rebuild and identify it.
type Checkpoint struct {
	Model         ModelInfo          `json:"model"`
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// ModelInfo identifies the architecture a checkpoint belongs to
type ModelInfo struct {
	Name       string `json:"name"`
	Task       string `json:"task"`
	InputShape []int  `json:"input_shape"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", etc.
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"learning_rate"`
	BestEpoch    int     `json:"best_epoch"`
	BestLoss     float64 `json:"best_loss"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

const (
	frameworkName    = "visiontrain"
	frameworkVersion = "1.0.0"
)

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	fs     afero.Fs
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(fs afero.Fs, format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		fs:     fs,
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, filename string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	if err := cs.fs.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory")
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, filename)
	case FormatProto:
		return saveArtifact(cs.fs, checkpoint, filename)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(filename string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(filename)
	case FormatProto:
		return loadArtifact(cs.fs, filename)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, filename string) error {
	file, err := cs.fs.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint")
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(filename string) (*Checkpoint, error) {
	file, err := cs.fs.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint")
	}
	return &checkpoint, nil
}

// ExtractWeights copies named parameters into weight tensors ordered by name.
// A name like "head.fc.weight" yields layer "head.fc" and type "weight".
func ExtractWeights(named map[string]*tensor.Tensor) []WeightTensor {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	weights := make([]WeightTensor, 0, len(names))
	for _, name := range names {
		t := named[name]
		data := make([]float32, len(t.Data))
		copy(data, t.Data)

		layer, kind := "", name
		if i := strings.LastIndex(name, "."); i >= 0 {
			layer, kind = name[:i], name[i+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), t.Shape...),
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies weight data into the matching named parameters.
// Every parameter must be present with an identical shape.
func LoadWeights(weights []WeightTensor, named map[string]*tensor.Tensor) error {
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		weightMap[w.Name] = w
	}

	for name, t := range named {
		w, ok := weightMap[name]
		if !ok {
			return errors.Errorf("missing weight %s in checkpoint", name)
		}
		if len(w.Shape) != len(t.Shape) {
			return errors.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", name, t.Shape, w.Shape)
		}
		for j, dim := range t.Shape {
			if dim != w.Shape[j] {
				return errors.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d",
					name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != t.NumElems {
			return errors.Errorf("data length mismatch for weight %s: %d vs %d", name, len(w.Data), t.NumElems)
		}
	}

	for name, t := range named {
		copy(t.Data, weightMap[name].Data)
	}
	return nil
}
