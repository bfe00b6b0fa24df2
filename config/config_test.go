package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	conf := Default()
	require.NoError(t, conf.Validate())
	assert.Equal(t, 1, conf.StartEpoch())
	assert.Equal(t, 1, conf.Logging.ValidFreq)
	assert.Equal(t, 16, conf.Logging.NumSamples)
}

func TestLoadOverridesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "train.yaml", []byte(`
task: segmentation
model:
  name: pixel
  losses:
    - criterion: pixel_cross_entropy
      weight: 1.0
training:
  epochs: 3
  lr: 0.1
  betas: [0.8, 0.99]
  scheduler:
    name: step
    step_size: 2
    gamma: 0.5
logging:
  valid_freq: 2
  start_epoch_at_one: false
`), 0644))

	conf, err := Load(fs, "train.yaml")
	require.NoError(t, err)
	assert.Equal(t, TaskSegmentation, conf.Task)
	assert.Equal(t, "pixel", conf.Model.Name)
	assert.Equal(t, 3, conf.Training.Epochs)
	assert.Equal(t, 16, conf.Training.BatchSize)
	assert.Equal(t, [2]float64{0.8, 0.99}, conf.Training.Betas)
	assert.Equal(t, "step", conf.Training.Scheduler.Name)
	assert.Equal(t, 2, conf.Logging.ValidFreq)
	assert.Equal(t, 0, conf.StartEpoch())
}

func TestLoadErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Load(fs, "missing.yaml")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "bad.yaml", []byte("task: [unterminated"), 0644))
	_, err = Load(fs, "bad.yaml")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "badtask.yaml", []byte("task: pose"), 0644))
	_, err = Load(fs, "badtask.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"epochs", func(c *Config) { c.Training.Epochs = 0 }},
		{"batch", func(c *Config) { c.Training.BatchSize = 0 }},
		{"valid_freq", func(c *Config) { c.Logging.ValidFreq = 0 }},
		{"num_samples", func(c *Config) { c.Logging.NumSamples = -1 }},
		{"world_size", func(c *Config) { c.Environment.WorldSize = 0 }},
		{"model", func(c *Config) { c.Model.Name = "" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := Default()
			test.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
