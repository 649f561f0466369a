package watcher

import "slices"

// ChangeAnalysis describes what changed and what needs to be tracked again.
type ChangeAnalysis struct {
	// ReloadConfig is set when the configuration changed. Every experiment
	// is then tracked again with the new settings.
	ReloadConfig bool

	// Retrack lists datasets to load and track again.
	Retrack []string

	// Forget lists datasets that no longer exist.
	Forget []string
}

// Empty reports whether nothing needs to be done.
func (a *ChangeAnalysis) Empty() bool {
	return !a.ReloadConfig && len(a.Retrack) == 0 && len(a.Forget) == 0
}

// AnalyzeChanges folds debounced events into one analysis. Later events win
// for a path that appears more than once.
func AnalyzeChanges(events ...ChangeEvent) *ChangeAnalysis {
	analysis := &ChangeAnalysis{}
	for _, event := range events {
		switch event.Type {
		case ChangeTypeConfig:
			analysis.ReloadConfig = true

		case ChangeTypeDataset:
			for _, p := range event.Paths {
				analysis.Forget = slices.DeleteFunc(analysis.Forget, func(s string) bool { return s == p })
				if !slices.Contains(analysis.Retrack, p) {
					analysis.Retrack = append(analysis.Retrack, p)
				}
			}

		case ChangeTypeRemoved:
			for _, p := range event.Paths {
				analysis.Retrack = slices.DeleteFunc(analysis.Retrack, func(s string) bool { return s == p })
				if !slices.Contains(analysis.Forget, p) {
					analysis.Forget = append(analysis.Forget, p)
				}
			}
		}
	}
	return analysis
}
