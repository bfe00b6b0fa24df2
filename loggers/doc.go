// Package loggers provides the training.Sink implementations used by the
// trainer: console output, prometheus gauges, training-curve charts, a
// progression status file and validation sample images. MultiSink fans a
// run out to any combination of them.
package loggers
