package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
)

// variantStats aggregates the results for one request variant.
type variantStats struct {
	Variant      requestVariant
	Results      []testResult
	Succeeded    int
	Failed       int
	Durations    []time.Duration
	FirstEvents  []time.Duration
	InputTokens  int
	OutputTokens int
}

type report struct {
	stats         []*variantStats
	totalRequests int
	failedCount   int
}

// buildReport aggregates raw test results per variant, keeping variant order stable.
func buildReport(variants []requestVariant, results []testResult) report {
	byKey := make(map[string]*variantStats, len(variants))
	stats := make([]*variantStats, 0, len(variants))
	for _, variant := range variants {
		s := &variantStats{Variant: variant}
		byKey[variant.Key] = s
		stats = append(stats, s)
	}

	failed := 0
	for _, res := range results {
		s, ok := byKey[res.Variant]
		if !ok {
			continue
		}
		s.Results = append(s.Results, res)
		s.Durations = append(s.Durations, res.Duration)
		if res.FirstEvent > 0 {
			s.FirstEvents = append(s.FirstEvents, res.FirstEvent)
		}
		s.InputTokens += res.InputTokens
		s.OutputTokens += res.OutputTokens
		if res.Success {
			s.Succeeded++
		} else {
			s.Failed++
			failed++
		}
	}

	return report{
		stats:         stats,
		totalRequests: len(results),
		failedCount:   failed,
	}
}

// renderReport prints the latency table and failure details to stdout.
func renderReport(rep report) {
	fmt.Println()
	fmt.Println("=== Metering Proxy Smoke Report ===")
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Variant", "Requests", "OK", "Failed", "p50", "p95", "Max", "TTFB p50", "Tokens in/out"})

	for _, s := range rep.stats {
		table.Append([]string{
			s.Variant.Header,
			strconv.Itoa(len(s.Results)),
			strconv.Itoa(s.Succeeded),
			strconv.Itoa(s.Failed),
			formatDuration(percentile(s.Durations, 50)),
			formatDuration(percentile(s.Durations, 95)),
			formatDuration(maxDuration(s.Durations)),
			formatDuration(percentile(s.FirstEvents, 50)),
			fmt.Sprintf("%d/%d", s.InputTokens, s.OutputTokens),
		})
	}
	table.Render()

	fmt.Println()
	fmt.Printf("Totals  | Requests: %d | Passed: %d | Failed: %d\n",
		rep.totalRequests,
		rep.totalRequests-rep.failedCount,
		rep.failedCount,
	)

	failures := gatherFailures(rep)
	if len(failures) > 0 {
		fmt.Println()
		fmt.Println("Failures:")
		for _, res := range failures {
			fmt.Printf("- %s → %s\n", res.Label, shorten(res.ErrorReason, 200))
		}
	}

	fmt.Println()
}

// percentile returns the nearest-rank pth percentile, or zero when there are
// no samples.
func percentile(values []time.Duration, p int) time.Duration {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted)*p+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func maxDuration(values []time.Duration) time.Duration {
	var max time.Duration
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "n/a"
	}
	return d.Truncate(time.Millisecond).String()
}

func gatherFailures(rep report) []testResult {
	var failures []testResult
	for _, s := range rep.stats {
		for _, res := range s.Results {
			if !res.Success {
				failures = append(failures, res)
			}
		}
	}

	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Label == failures[j].Label {
			return failures[i].ErrorReason < failures[j].ErrorReason
		}
		return failures[i].Label < failures[j].Label
	})

	return failures
}
