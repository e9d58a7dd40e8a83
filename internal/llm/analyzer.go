package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docjobs/constants"
)

// Analysis is a tagged enrichment document. SchemaMismatch is set when the
// document does not fit the profile schema even after empty members are
// dropped; the document is still kept.
type Analysis struct {
	Profile        constants.AnalysisProfile
	JSON           []byte
	Dropped        []string
	SchemaMismatch string
}

// Analyzer turns document text into a profile-shaped JSON analysis.
type Analyzer struct {
	invoker  Invoker
	maxChars int
	log      *slog.Logger
}

func NewAnalyzer(invoker Invoker, maxChars int, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Analyzer{invoker: invoker, maxChars: maxChars, log: logger}
}

// Analyze prompts the model, pulls the JSON object out of its reply and tags
// it with the profile name. A document that fails the profile schema gets one
// lenient pass that drops empty members; the cleaned form replaces it only
// when it validates.
func (a *Analyzer) Analyze(ctx context.Context, profile constants.AnalysisProfile, text string) (Analysis, error) {
	profile = constants.CanonicalizeProfile(string(profile))
	rid := uuid.NewString()
	start := time.Now()
	a.log.Info("llm.analyze.start", "req_id", rid, "profile", profile, "text_len", len(text))

	reply, err := a.invoker.Invoke(ctx, BuildPrompt(profile, text, a.maxChars))
	if err != nil {
		a.log.Error("llm.analyze.invoke_error", "req_id", rid, "err", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return Analysis{}, fmt.Errorf("invoke model: %w", err)
	}

	doc, err := ExtractJSONObject(reply)
	if err != nil {
		a.log.Warn("llm.analyze.no_json", "req_id", rid, "reply_len", len(reply))
		return Analysis{}, err
	}
	doc, err = TagAnalysisType(doc, string(profile))
	if err != nil {
		return Analysis{}, err
	}

	schema := ProfileSchema(profile)
	out := Analysis{Profile: profile, JSON: doc}
	if err := ValidateJSONAgainstSchema(schema, doc); err != nil {
		cleaned, dropped, sErr := DropEmptyValues(doc, a.log)
		if sErr != nil {
			return Analysis{}, fmt.Errorf("sanitize failed: %w", sErr)
		}
		if vErr := ValidateJSONAgainstSchema(schema, cleaned); vErr != nil {
			a.log.Warn("llm.analyze.schema_mismatch", "req_id", rid, "profile", profile, "err", err)
			out.SchemaMismatch = err.Error()
		} else {
			a.log.Warn("llm.analyze.lenient_sanitize_applied", "req_id", rid, "dropped", dropped)
			out.JSON = cleaned
			out.Dropped = dropped
		}
	}

	a.log.Info("llm.analyze.ok", "req_id", rid, "profile", profile, "bytes", len(out.JSON),
		"elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}
