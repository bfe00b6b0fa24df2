package checkpoints

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/visiontrain/tensor"
)

// Model is anything exposing its parameters by name.
type Model interface {
	StateDict() map[string]*tensor.Tensor
}

// ExportRequest describes one end-of-run export.
type ExportRequest struct {
	Dir         string
	Task        string
	ModelName   string
	SampleShape []int // input shape including the batch dimension
	State       TrainingState
}

// ExportResult lists the files written by Export.
type ExportResult struct {
	CheckpointPath string
	ArtifactPath   string
}

// Exporter writes the native checkpoint and the portable inference artifact
// side by side into a result directory.
type Exporter struct {
	native   *CheckpointSaver
	portable *CheckpointSaver
}

func NewExporter(fs afero.Fs) *Exporter {
	return &Exporter{
		native:   NewCheckpointSaver(fs, FormatJSON),
		portable: NewCheckpointSaver(fs, FormatProto),
	}
}

// Export writes <task>_<model>.json and <task>_<model>.pb into req.Dir.
func (e *Exporter) Export(model Model, req ExportRequest) (*ExportResult, error) {
	if model == nil {
		return nil, errors.New("export: nil model")
	}
	if len(req.SampleShape) == 0 {
		return nil, errors.New("export: sample input shape is required")
	}

	checkpoint := &Checkpoint{
		Model: ModelInfo{
			Name:       req.ModelName,
			Task:       req.Task,
			InputShape: append([]int(nil), req.SampleShape...),
		},
		Weights:       ExtractWeights(model.StateDict()),
		TrainingState: req.State,
	}

	base := filepath.Join(req.Dir, fmt.Sprintf("%s_%s", req.Task, req.ModelName))
	result := &ExportResult{
		CheckpointPath: base + FormatJSON.Extension(),
		ArtifactPath:   base + FormatProto.Extension(),
	}

	if err := e.native.SaveCheckpoint(checkpoint, result.CheckpointPath); err != nil {
		return nil, err
	}
	if err := e.portable.SaveCheckpoint(checkpoint, result.ArtifactPath); err != nil {
		return nil, err
	}
	return result, nil
}

// LoadPretrained reads either checkpoint format, chosen by file extension,
// and copies the weights into model.
func (e *Exporter) LoadPretrained(filename string, model Model) (*Checkpoint, error) {
	saver := e.native
	if strings.EqualFold(filepath.Ext(filename), FormatProto.Extension()) {
		saver = e.portable
	}

	checkpoint, err := saver.LoadCheckpoint(filename)
	if err != nil {
		return nil, err
	}
	if err := LoadWeights(checkpoint.Weights, model.StateDict()); err != nil {
		return nil, errors.Wrapf(err, "failed to load weights from %s", filename)
	}
	return checkpoint, nil
}
