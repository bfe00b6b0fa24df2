package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressBar renders a single-line batch progress bar with running
// metrics.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
	now         func() time.Time
}

// NewProgressBar creates a new progress bar writing to out. A nil writer
// discards output.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	if out == nil {
		out = io.Discard
	}
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
		now:         time.Now,
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.line())
}

func (pb *ProgressBar) line() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := pb.now().Sub(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.HasPrefix(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintModelSummary writes the named parameters of model with their shapes
// followed by parameter and MAC totals.
func PrintModelSummary(w io.Writer, name string, model Module, sampleShape []int) {
	state := model.StateDict()
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "%s(\n", name)
	for _, k := range keys {
		fmt.Fprintf(w, "  (%s): %v\n", k, state[k].Shape)
	}
	fmt.Fprintf(w, ")\n")

	params := CountParams(model)
	fmt.Fprintf(w, "Total parameters: %s\n", humanize.Comma(params))
	fmt.Fprintf(w, "Params size: %s\n", humanize.Bytes(uint64(params*4)))
	if counter, ok := model.(MACCounter); ok {
		fmt.Fprintf(w, "MACs per sample: %s\n", humanize.SIWithDigits(float64(counter.MACs(sampleShape)), 2, ""))
	}
}
