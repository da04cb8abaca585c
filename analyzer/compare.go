package analyzer

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/pprof/profile"
)

// ThreadGrowth is the change in thread count of one process/state group between two profiles.
type ThreadGrowth struct {
	Process       string  `json:"process"`
	State         string  `json:"state"`
	OldCount      int64   `json:"oldCount"`
	NewCount      int64   `json:"newCount"`
	Growth        int64   `json:"growth"`
	GrowthPercent float64 `json:"growthPercent"`
}

// countThreads sums the thread counts of p per process and state.
func countThreads(p *profile.Profile) (map[[2]string]int64, error) {
	if len(p.SampleType) == 0 {
		return nil, fmt.Errorf("profile has no sample types")
	}
	ret := make(map[[2]string]int64)
	for _, s := range p.Sample {
		if len(s.Value) == 0 {
			continue
		}
		key := [2]string{"unknown", "unknown"}
		if v := s.Label[LabelProcess]; len(v) > 0 {
			key[0] = v[0]
		}
		if v := s.Label[LabelState]; len(v) > 0 {
			key[1] = v[0]
		}
		ret[key] += s.Value[0]
	}
	return ret, nil
}

// CompareThreadProfiles reports the process/state groups whose thread count grew by at least
// threshold (0.1 = 10%) from oldProfile to newProfile, such as threads piling up behind a lock
// between two dumps of the same device.
func CompareThreadProfiles(oldProfile, newProfile *profile.Profile, threshold float64, limit int) ([]ThreadGrowth, error) {
	if threshold <= 0 {
		threshold = 0.1
	}
	if limit <= 0 {
		limit = 10
	}

	oldCounts, err := countThreads(oldProfile)
	if err != nil {
		return nil, fmt.Errorf("old profile: %w", err)
	}
	newCounts, err := countThreads(newProfile)
	if err != nil {
		return nil, fmt.Errorf("new profile: %w", err)
	}

	var stats []ThreadGrowth
	for key, newVal := range newCounts {
		oldVal := oldCounts[key]
		growth := newVal - oldVal
		if growth <= 0 {
			continue
		}
		pct := 100.0
		if oldVal > 0 {
			pct = float64(growth) / float64(oldVal) * 100
		}
		if pct < threshold*100 {
			continue
		}
		stats = append(stats, ThreadGrowth{
			Process:       key[0],
			State:         key[1],
			OldCount:      oldVal,
			NewCount:      newVal,
			Growth:        growth,
			GrowthPercent: pct,
		})
	}

	slices.SortFunc(stats, func(a, b ThreadGrowth) int {
		if a.Growth != b.Growth {
			return int(b.Growth - a.Growth)
		}
		if a.Process != b.Process {
			return strings.Compare(a.Process, b.Process)
		}
		return strings.Compare(a.State, b.State)
	})
	if len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

// FormatThreadGrowth renders the result of CompareThreadProfiles as text.
func FormatThreadGrowth(stats []ThreadGrowth, threshold float64) string {
	var b strings.Builder
	b.WriteString("Thread Growth Report\n")
	b.WriteString("====================\n\n")

	if len(stats) == 0 {
		b.WriteString("No significant thread growth detected.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Found %d process/state groups with thread growth (threshold: %.1f%%)\n\n", len(stats), threshold*100)
	b.WriteString("--------------------------------------------------\n")
	fmt.Fprintf(&b, "%-30s %-15s %-6s %-6s %s\n", "Process", "State", "Old", "New", "Growth %")
	b.WriteString("--------------------------------------------------\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-30s %-15s %-6d %-6d %.2f%%\n", s.Process, s.State, s.OldCount, s.NewCount, s.GrowthPercent)
	}
	return b.String()
}
