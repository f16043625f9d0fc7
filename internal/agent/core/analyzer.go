package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/arxivist/arxivist/internal/audit"
	"github.com/arxivist/arxivist/internal/failure"
	"github.com/arxivist/arxivist/internal/telemetry"
)

// Analyzer summarizes every collected item through the inference
// capability, then synthesizes one narrative across the surviving
// summaries. A permanently failed item is excluded from synthesis but
// stays on record.
type Analyzer struct {
	logger    *log.Logger
	selectLLM LLMSelector
	policy    CallPolicy
	audit     *audit.Logger
	telemetry *telemetry.Telemetry
}

// NewAnalyzer builds the analyzer stage agent.
func NewAnalyzer(logger *log.Logger, selectLLM LLMSelector, policy CallPolicy, auditLog *audit.Logger, tele *telemetry.Telemetry) *Analyzer {
	return &Analyzer{logger: logger, selectLLM: selectLLM, policy: policy, audit: auditLog, telemetry: tele}
}

func (a *Analyzer) Stage() Stage { return StageAnalyzer }

// Execute consumes the collector's aggregated output.
func (a *Analyzer) Execute(ctx context.Context, job *Job, input interface{}) (StageOutcome, error) {
	collected, ok := input.(CollectorOutput)
	if !ok {
		return StageOutcome{}, failure.New(failure.KindMalformedInput, "analyzer input is not collector output")
	}

	llm, bucket, err := a.selectLLM(job.Options)
	if err != nil {
		return StageOutcome{}, failure.Wrap(failure.KindMalformedInput, err)
	}
	pol := retryPolicy(a.policy, bucket, a.logger, a.audit, a.telemetry, job.ID, StageAnalyzer)

	attempts := 0
	out := AnalyzerOutput{}
	for _, item := range collected.Items {
		prompt := summarizePrompt(job.Query, item.Descriptor.Title, string(item.Content))
		var text string
		err := pol.Do(ctx, func(ctx context.Context) error {
			attempts++
			var gerr error
			text, gerr = llm.Generate(ctx, prompt)
			return gerr
		})
		if err != nil {
			if failure.KindOf(err) == failure.KindCancelled {
				return StageOutcome{}, err
			}
			a.logger.Printf("[ANALYZE] job %s: summarize %s failed: %v", job.ID, item.Descriptor.ID, err)
			reason := failure.Reason(err)
			recordItemFailure(a.audit, a.logger, job.ID, StageAnalyzer, fmt.Sprintf("summarize %s: %s", item.Descriptor.ID, reason))
			out.Failed = append(out.Failed, SummaryFailure{Descriptor: item.Descriptor, Reason: reason})
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			recordItemFailure(a.audit, a.logger, job.ID, StageAnalyzer, fmt.Sprintf("summarize %s: EmptySummary", item.Descriptor.ID))
			out.Failed = append(out.Failed, SummaryFailure{Descriptor: item.Descriptor, Reason: "EmptySummary"})
			continue
		}
		out.Summaries = append(out.Summaries, Summary{Item: item, Text: text})
	}

	if len(out.Summaries) > 0 {
		prompt := synthesizePrompt(job.Query, out.Summaries)
		var synthesis string
		err := pol.Do(ctx, func(ctx context.Context) error {
			attempts++
			var gerr error
			synthesis, gerr = llm.Generate(ctx, prompt)
			return gerr
		})
		if err != nil {
			return StageOutcome{}, fmt.Errorf("synthesize: %w", err)
		}
		out.Synthesis = strings.TrimSpace(synthesis)
	}

	return StageOutcome{Output: out, Attempts: attempts}, nil
}

func summarizePrompt(query, title, content string) string {
	var b strings.Builder
	b.WriteString("Summarize the following article in a short paragraph for the query: '")
	b.WriteString(query)
	b.WriteString("'.\n\n")
	if title != "" {
		b.WriteString("Title: ")
		b.WriteString(title)
		b.WriteString("\n")
	}
	b.WriteString("Article:\n")
	b.WriteString(content)
	return b.String()
}

func synthesizePrompt(query string, summaries []Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Synthesize the following %d summaries into a coherent analysis for the query '%s'. Cite the source titles you draw on.\n", len(summaries), query)
	for i, s := range summaries {
		fmt.Fprintf(&b, "\n%d. %s\n%s\n", i+1, s.Item.Descriptor.Title, s.Text)
	}
	return b.String()
}
