// Package cli renders query results and statistics for the Kioku CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hyperjump/kioku/internal/rag"
	"github.com/hyperjump/kioku/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" or "json", case-insensitively.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (supported: text, json)", s)
	}
}

// WriteQueryResult writes a query result to w in the given format.
func WriteQueryResult(w io.Writer, res *rag.QueryResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, res)
	}
	cached := ""
	if res.Cached {
		cached = ", cached"
	}
	fmt.Fprintf(w, "\nFound %d results for %q in %q (%s%s)\n\n",
		len(res.Results), res.Query, res.EntityType, res.Duration.Round(time.Microsecond), cached)
	for i, r := range res.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f\n", i+1, r.Score)
		if r.Record == nil {
			continue
		}
		fmt.Fprintf(w, "ID: %s\n", r.Record.VectorID)
		if r.Record.Content != "" {
			fmt.Fprintf(w, "\n%s\n", utils.Truncate(r.Record.Content, 200))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%s\n", res.Context)
	return nil
}

// WriteStats writes orchestrator statistics to w in the given format.
func WriteStats(w io.Writer, stats rag.Stats, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, stats)
	}
	fmt.Fprintf(w, "Backend:        %s\n", stats.Store.Backend)
	fmt.Fprintf(w, "Total vectors:  %d\n", stats.Store.TotalVectors)
	types := make([]string, 0, len(stats.Store.EntityTypes))
	for t := range stats.Store.EntityTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		et := stats.Store.EntityTypes[t]
		fmt.Fprintf(w, "  %-20s %d vectors, %d dimensions\n", t, et.Count, et.Dimension)
	}
	fmt.Fprintf(w, "Searches:       %d (avg %s)\n", stats.TotalSearches, stats.AverageSearchTime)
	fmt.Fprintf(w, "Cache hit rate: %.1f%% (%d hits, %d misses)\n", stats.CacheHitRate, stats.CacheHits, stats.CacheMisses)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
