package checkpoints

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// artifactFormat tags the portable inference artifact so readers can reject
// unrelated protobuf payloads.
const (
	artifactFormat  = "visiontrain.inference"
	artifactVersion = 1
)

// saveArtifact writes the checkpoint as a self-describing protobuf Struct:
// model identity, the expected input shape and every parameter tensor.
func saveArtifact(fs afero.Fs, checkpoint *Checkpoint, filename string) error {
	msg, err := artifactProto(checkpoint)
	if err != nil {
		return errors.Wrapf(err, "failed to build inference artifact")
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal inference artifact")
	}

	if err := afero.WriteFile(fs, filename, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write inference artifact")
	}
	return nil
}

func artifactProto(checkpoint *Checkpoint) (*structpb.Struct, error) {
	params := make([]interface{}, 0, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		params = append(params, map[string]interface{}{
			"name":  w.Name,
			"layer": w.Layer,
			"type":  w.Type,
			"shape": intsToList(w.Shape),
			"data":  floatsToList(w.Data),
		})
	}

	return structpb.NewStruct(map[string]interface{}{
		"format":           artifactFormat,
		"version":          artifactVersion,
		"producer_name":    checkpoint.Metadata.Framework,
		"producer_version": checkpoint.Metadata.Version,
		"created_at":       checkpoint.Metadata.CreatedAt.UTC().Format(time.RFC3339),
		"model":            checkpoint.Model.Name,
		"task":             checkpoint.Model.Task,
		"input_shape":      intsToList(checkpoint.Model.InputShape),
		"parameters":       params,
	})
}

func loadArtifact(fs afero.Fs, filename string) (*Checkpoint, error) {
	data, err := afero.ReadFile(fs, filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read inference artifact")
	}

	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal inference artifact")
	}

	fields := msg.GetFields()
	if fields["format"].GetStringValue() != artifactFormat {
		return nil, errors.Errorf("%s is not an inference artifact", filename)
	}

	checkpoint := &Checkpoint{
		Model: ModelInfo{
			Name:       fields["model"].GetStringValue(),
			Task:       fields["task"].GetStringValue(),
			InputShape: listToInts(fields["input_shape"].GetListValue()),
		},
		Metadata: CheckpointMetadata{
			Framework: fields["producer_name"].GetStringValue(),
			Version:   fields["producer_version"].GetStringValue(),
		},
	}
	if ts, err := time.Parse(time.RFC3339, fields["created_at"].GetStringValue()); err == nil {
		checkpoint.Metadata.CreatedAt = ts
	}

	for _, v := range fields["parameters"].GetListValue().GetValues() {
		p := v.GetStructValue().GetFields()
		checkpoint.Weights = append(checkpoint.Weights, WeightTensor{
			Name:  p["name"].GetStringValue(),
			Layer: p["layer"].GetStringValue(),
			Type:  p["type"].GetStringValue(),
			Shape: listToInts(p["shape"].GetListValue()),
			Data:  listToFloats(p["data"].GetListValue()),
		})
	}
	return checkpoint, nil
}

func intsToList(values []int) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func floatsToList(values []float32) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

func listToInts(list *structpb.ListValue) []int {
	values := list.GetValues()
	out := make([]int, len(values))
	for i, v := range values {
		out[i] = int(v.GetNumberValue())
	}
	return out
}

func listToFloats(list *structpb.ListValue) []float32 {
	values := list.GetValues()
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v.GetNumberValue())
	}
	return out
}
