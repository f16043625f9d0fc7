package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/arxivist/arxivist/internal/failure"
)

// Formatter renders the synthesized analysis into the final markdown
// report. It makes no external calls, so its failures are always
// permanent: a malformed synthesis cannot be fixed by trying again.
type Formatter struct {
	logger *log.Logger
}

// NewFormatter builds the formatter stage agent.
func NewFormatter(logger *log.Logger) *Formatter {
	return &Formatter{logger: logger}
}

func (f *Formatter) Stage() Stage { return StageFormatter }

// Execute consumes the analyzer's output.
func (f *Formatter) Execute(ctx context.Context, job *Job, input interface{}) (StageOutcome, error) {
	analyzed, ok := input.(AnalyzerOutput)
	if !ok {
		return StageOutcome{}, failure.New(failure.KindMalformedInput, "formatter input is not analyzer output")
	}
	if strings.TrimSpace(analyzed.Synthesis) == "" {
		return StageOutcome{}, failure.New(failure.KindMalformedInput, "synthesis is empty")
	}
	if len(analyzed.Summaries) == 0 {
		return StageOutcome{}, failure.New(failure.KindMalformedInput, "no surviving summaries to cite")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Research Report: %s\n\n", job.Query)
	fmt.Fprintf(&b, "**Topic:** %s\n", job.Query)
	fmt.Fprintf(&b, "**Provider:** %s\n", job.Options.ModelProvider)
	fmt.Fprintf(&b, "**Model:** %s\n", job.Options.Model)
	fmt.Fprintf(&b, "**Generated:** %s\n\n", time.Now().UTC().Format(time.RFC3339))
	b.WriteString("---\n\n")
	b.WriteString(analyzed.Synthesis)
	b.WriteString("\n\n## Sources\n\n")
	for _, s := range analyzed.Summaries {
		title := s.Item.Descriptor.Title
		if title == "" {
			title = s.Item.Descriptor.ID
		}
		fmt.Fprintf(&b, "- [%s](%s)\n", title, s.Item.Descriptor.URL)
	}
	if len(analyzed.Failed) > 0 {
		fmt.Fprintf(&b, "\n_%d source(s) could not be summarized and are not cited._\n", len(analyzed.Failed))
	}

	return StageOutcome{Output: FormatterOutput{Report: b.String()}, Attempts: 1}, nil
}
