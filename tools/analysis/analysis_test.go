package analysis

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/delverhq/delver/tools"
)

func TestExtractNumbers(t *testing.T) {
	tests := []struct {
		text string
		want []float64
	}{
		{"The prices are $10, $20, and $30.", []float64{10, 20, 30}},
		{"grew by 3.5 percent, then shrank by -1.2", []float64{3.5, -1.2}},
		{"no numerals at all", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got := ExtractNumbers(tt.text)
		if len(got) != len(tt.want) {
			t.Fatalf("ExtractNumbers(%q) = %v, want %v", tt.text, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("ExtractNumbers(%q)[%d] = %v, want %v", tt.text, i, got[i], tt.want[i])
			}
		}
	}
}

func TestRunComputesStatistics(t *testing.T) {
	tool := NewTool("")
	payload, err := tool.Run(context.Background(), tools.Args{Text: "revenue was 10, 20 and 30 million"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := payload.(Output)
	if out.Count != 3 {
		t.Fatalf("Count = %d, want 3", out.Count)
	}
	st := out.Stats
	if st == nil {
		t.Fatal("missing statistics")
	}
	if st.Sum != 60 || st.Mean != 20 || st.Median != 20 || st.Min != 10 || st.Max != 30 {
		t.Fatalf("unexpected statistics: %+v", st)
	}
	if math.Abs(st.StdDev-8.1649) > 0.001 {
		t.Fatalf("StdDev = %v", st.StdDev)
	}
	if len(out.Insights) == 0 {
		t.Fatal("expected insights")
	}
}

func TestRunSingleValueHasZeroStdDev(t *testing.T) {
	tool := NewTool("")
	payload, err := tool.Run(context.Background(), tools.Args{Text: "just 42 here"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := payload.(Output).Stats; st.StdDev != 0 {
		t.Fatalf("StdDev = %v, want 0", st.StdDev)
	}
}

func TestRunNoNumbersStillSucceeds(t *testing.T) {
	tool := NewTool("")
	payload, err := tool.Run(context.Background(), tools.Args{Text: "purely qualitative prose"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := payload.(Output)
	if out.Count != 0 || out.Stats != nil || out.Note == "" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestRunRendersChart(t *testing.T) {
	tool := NewTool(t.TempDir())
	payload, err := tool.Run(context.Background(), tools.Args{Text: "10 20 30 25 15", CreateChart: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := payload.(Output)
	if out.ChartPath == "" {
		t.Fatal("expected chart path")
	}
	info, err := os.Stat(out.ChartPath)
	if err != nil {
		t.Fatalf("chart file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("chart file is empty")
	}
}

func TestRunChartsEqualValues(t *testing.T) {
	tool := NewTool(t.TempDir())
	payload, err := tool.Run(context.Background(), tools.Args{Text: "5 then 5 again", CreateChart: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if payload.(Output).ChartPath == "" {
		t.Fatal("expected chart path for equal values")
	}
}

func TestRunStructuredSeries(t *testing.T) {
	tool := NewTool("")
	payload, err := tool.Run(context.Background(), tools.Args{
		Data: map[string]interface{}{
			"labels": []interface{}{"q1", "q2"},
			"values": []interface{}{1.5, 2.5},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := payload.(Output)
	if out.Count != 2 || out.Stats.Mean != 2 {
		t.Fatalf("unexpected output: %+v", out)
	}
}
