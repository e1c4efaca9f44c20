// Package analysis extracts numeric data from research text, computes
// descriptive statistics and optionally renders a bar chart.
package analysis

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/delverhq/delver/tools"
)

var numberRE = regexp.MustCompile(`-?\d+\.?\d*`)

// Stats holds descriptive statistics over the extracted numbers.
type Stats struct {
	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
}

// Output is the analysis tool payload.
type Output struct {
	Numbers   []float64 `json:"numbers"`
	Count     int       `json:"count"`
	Stats     *Stats    `json:"statistics,omitempty"`
	Insights  []string  `json:"insights,omitempty"`
	ChartPath string    `json:"chart_path,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// Tool analyses free text for numeric signals.
type Tool struct {
	chartDir string
	logger   *log.Logger
}

// NewTool stores charts under dataDir/charts. An empty dataDir disables
// chart output.
func NewTool(dataDir string) *Tool {
	t := &Tool{logger: log.New(log.Writer(), "[ANALYSIS] ", log.LstdFlags)}
	if dataDir != "" {
		dir := filepath.Join(dataDir, "charts")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.logger.Printf("chart dir %s unavailable: %v", dir, err)
		} else {
			t.chartDir = dir
		}
	}
	return t
}

func (t *Tool) Name() string { return "data_analysis" }

func (t *Tool) Description() string {
	return "Extracts numbers from text, computes statistics and renders bar charts"
}

func (t *Tool) Run(_ context.Context, args tools.Args) (interface{}, error) {
	numbers, labels := t.collect(args)
	if len(numbers) == 0 {
		return Output{Numbers: []float64{}, Note: "no numeric data found"}, nil
	}

	st, err := describe(numbers)
	if err != nil {
		return nil, fmt.Errorf("computing statistics: %w", err)
	}

	out := Output{
		Numbers:  numbers,
		Count:    len(numbers),
		Stats:    st,
		Insights: insights(st),
	}
	if args.CreateChart && t.chartDir != "" {
		path, err := t.renderChart(numbers, labels)
		if err != nil {
			t.logger.Printf("chart rendering failed: %v", err)
		} else {
			out.ChartPath = path
		}
	}
	return out, nil
}

// collect pulls numbers out of the text argument, or out of a structured
// {labels, values} series when no text numbers exist.
func (t *Tool) collect(args tools.Args) ([]float64, []string) {
	numbers := ExtractNumbers(args.Text)
	if len(numbers) > 0 {
		return numbers, nil
	}
	if args.Data == nil {
		return nil, nil
	}
	values, ok := args.Data["values"].([]interface{})
	if !ok {
		return nil, nil
	}
	var labels []string
	if raw, ok := args.Data["labels"].([]interface{}); ok {
		for _, l := range raw {
			labels = append(labels, fmt.Sprint(l))
		}
	}
	for _, v := range values {
		switch n := v.(type) {
		case float64:
			numbers = append(numbers, n)
		case int:
			numbers = append(numbers, float64(n))
		}
	}
	if len(numbers) != len(labels) {
		labels = nil
	}
	return numbers, labels
}

// ExtractNumbers returns every integer or decimal that appears in text.
func ExtractNumbers(text string) []float64 {
	matches := numberRE.FindAllString(text, -1)
	var numbers []float64
	for _, m := range matches {
		if f, err := strconv.ParseFloat(m, 64); err == nil {
			numbers = append(numbers, f)
		}
	}
	return numbers
}

func describe(numbers []float64) (*Stats, error) {
	data := stats.Float64Data(numbers)
	sum, err := data.Sum()
	if err != nil {
		return nil, err
	}
	mean, err := data.Mean()
	if err != nil {
		return nil, err
	}
	median, err := data.Median()
	if err != nil {
		return nil, err
	}
	min, err := data.Min()
	if err != nil {
		return nil, err
	}
	max, err := data.Max()
	if err != nil {
		return nil, err
	}
	std := 0.0
	if len(numbers) > 1 {
		if std, err = data.StandardDeviation(); err != nil {
			return nil, err
		}
	}
	return &Stats{
		Count:  len(numbers),
		Sum:    sum,
		Mean:   mean,
		Median: median,
		Min:    min,
		Max:    max,
		StdDev: std,
	}, nil
}

func insights(st *Stats) []string {
	out := []string{
		fmt.Sprintf("%d numeric values found, mean %.2f, median %.2f", st.Count, st.Mean, st.Median),
		fmt.Sprintf("values range from %.2f to %.2f", st.Min, st.Max),
	}
	if st.StdDev > 0 && st.Mean != 0 {
		cv := st.StdDev / st.Mean
		if cv > 1 || cv < -1 {
			out = append(out, fmt.Sprintf("high variability (std dev %.2f)", st.StdDev))
		}
	}
	return out
}

func (t *Tool) renderChart(numbers []float64, labels []string) (string, error) {
	bars := make([]chart.Value, 0, len(numbers))
	for i, n := range numbers {
		label := strconv.Itoa(i + 1)
		if i < len(labels) {
			label = labels[i]
		}
		bars = append(bars, chart.Value{Value: n, Label: label})
	}

	graph := chart.BarChart{
		Title:    "Extracted Numbers",
		Height:   512,
		BarWidth: 40,
		Bars:     bars,
	}
	min, max := numbers[0], numbers[0]
	for _, n := range numbers {
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	if min == max {
		// a zero-span range breaks tick generation
		graph.YAxis = chart.YAxis{Range: &chart.ContinuousRange{Min: 0, Max: max + 1}}
	}

	name := fmt.Sprintf("chart_%s.png", fingerprint(numbers))
	path := filepath.Join(t.chartDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := graph.Render(chart.PNG, f); err != nil {
		os.Remove(path)
		return "", err
	}
	t.logger.Printf("chart written to %s", path)
	return path, nil
}

func fingerprint(numbers []float64) string {
	var b strings.Builder
	for _, n := range numbers {
		fmt.Fprintf(&b, "%g,", n)
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:8]
}
