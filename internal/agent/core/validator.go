package core

import (
	"fmt"
	"strings"
)

// Validator applies the stage-specific acceptance checks that gate
// advancement. Acceptance is a boolean predicate per stage; there is no
// numeric confidence score, only the minimum-synthesis-length threshold
// below.
type Validator struct {
	// MinSynthesisChars is the smallest synthesis the analyzer gate
	// accepts. Zero means any non-empty synthesis passes.
	MinSynthesisChars int
}

// Validate checks a stage's output. It returns ok=false with a reason when
// the output must not advance the pipeline; the Dispatcher decides what a
// rejection means for the job.
func (v *Validator) Validate(stage Stage, output interface{}) (bool, string) {
	switch stage {
	case StageCollector:
		out, ok := output.(CollectorOutput)
		if !ok {
			return false, "output is not collector output"
		}
		if len(out.Items) == 0 {
			return false, "no source succeeded"
		}
		return true, ""

	case StageAnalyzer:
		out, ok := output.(AnalyzerOutput)
		if !ok {
			return false, "output is not analyzer output"
		}
		if len(out.Summaries) == 0 {
			return false, "no surviving summaries"
		}
		syn := strings.TrimSpace(out.Synthesis)
		if syn == "" {
			return false, "synthesis is empty"
		}
		if v.MinSynthesisChars > 0 && len(syn) < v.MinSynthesisChars {
			return false, fmt.Sprintf("synthesis shorter than %d chars", v.MinSynthesisChars)
		}
		return true, ""

	case StageFormatter:
		out, ok := output.(FormatterOutput)
		if !ok {
			return false, "output is not formatter output"
		}
		return wellFormedReport(out.Report)

	default:
		return false, fmt.Sprintf("unknown stage %s", stage)
	}
}

// RetryEligible reports whether a rejection at this stage may re-run the
// stage. Collector rejection means no source succeeded, which re-running
// cannot fix inside the same job; formatter output is a pure function of
// its input, so re-running it is pointless too. Only the analyzer, whose
// inference output varies, earns another pass.
func (v *Validator) RetryEligible(stage Stage) bool {
	return stage == StageAnalyzer
}

// wellFormedReport checks the report parses as the structured text the
// callers expect: a markdown H1, a metadata separator, and a sources
// section.
func wellFormedReport(report string) (bool, string) {
	trimmed := strings.TrimSpace(report)
	if trimmed == "" {
		return false, "report is empty"
	}
	if !strings.HasPrefix(trimmed, "# ") {
		return false, "report does not start with a title heading"
	}
	if !strings.Contains(trimmed, "\n---\n") {
		return false, "report is missing the metadata separator"
	}
	if !strings.Contains(trimmed, "## Sources") {
		return false, "report is missing the sources section"
	}
	return true, ""
}
