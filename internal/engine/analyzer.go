package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/rendis/healflow/internal/expressions"
	"github.com/rendis/healflow/internal/logging"
	"github.com/rendis/healflow/pkg/schema"
)

// Classification sources recorded on ErrorRecord.Source.
const (
	SourceLocal    = "local"
	SourceBackend  = "backend"
	SourceFallback = "fallback"
	SourceResume   = "resume"
)

// DefaultAnalysisTimeout bounds one call to the classification backend.
const DefaultAnalysisTimeout = 2 * time.Second

// Classifier is the external classification backend.
type Classifier interface {
	Classify(ctx context.Context, req schema.ClassificationRequest) (*schema.ClassificationResponse, error)
}

// ClassificationRule maps failures matching an expr condition to a kind.
// The condition sees message, step, code and attempt.
type ClassificationRule struct {
	When string           `json:"when" yaml:"when"`
	Kind schema.ErrorKind `json:"kind" yaml:"kind"`
}

// Analysis is the analyzer's verdict on one failure.
type Analysis struct {
	Kind            schema.ErrorKind
	Confidence      float64
	Source          string
	Recommendations []string
}

// AnalysisInput describes a failed attempt.
type AnalysisInput struct {
	Step     string
	Attempt  int
	Err      error
	TimedOut bool
	History  []string
}

// ErrorAnalyzer classifies step failures. Timeouts, breaker rejections and
// handler kind hints are decided locally; everything else goes to the
// backend under a bounded timeout and falls back to local rules.
type ErrorAnalyzer struct {
	backend Classifier
	timeout time.Duration
	rules   []ClassificationRule
	expr    *expressions.ExprEngine
	logger  *slog.Logger
}

// NewErrorAnalyzer compiles the fallback rules. backend may be nil.
func NewErrorAnalyzer(backend Classifier, timeout time.Duration, rules []ClassificationRule, logger *slog.Logger) (*ErrorAnalyzer, error) {
	if timeout <= 0 {
		timeout = DefaultAnalysisTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	a := &ErrorAnalyzer{
		backend: backend,
		timeout: timeout,
		expr:    expressions.NewExprEngine(),
		logger:  logger,
	}
	for i, r := range rules {
		kind, ok := schema.ParseErrorKind(string(r.Kind))
		if !ok || kind == schema.KindCircuitOpen {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "classification rule %d: invalid kind %q", i, r.Kind)
		}
		if err := a.expr.Compile(r.When); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "classification rule %d: %v", i, err).WithCause(err)
		}
		a.rules = append(a.rules, ClassificationRule{When: r.When, Kind: kind})
	}
	return a, nil
}

// Classify returns the kind, confidence, source and recommendations for a
// failed attempt. It never fails: any backend problem resolves to the
// fallback classifier.
func (a *ErrorAnalyzer) Classify(ctx context.Context, in AnalysisInput) Analysis {
	msg := errorMessage(in.Err)

	if kind, ok := localKind(in); ok {
		return newAnalysis(kind, 1.0, SourceLocal)
	}

	if a.backend != nil {
		kind, conf, err := a.ask(ctx, in, msg)
		if err == nil {
			if conf <= 0 {
				conf = lengthConfidence(msg)
			}
			return newAnalysis(kind, conf, SourceBackend)
		}
		logging.LogWith(ctx, a.logger).Warn("classification backend unavailable, using fallback",
			"error", err, "code", schema.CodeOf(err))
	}

	kind := a.fallback(ctx, in, msg)
	return newAnalysis(kind, lengthConfidence(msg), SourceFallback)
}

func (a *ErrorAnalyzer) ask(ctx context.Context, in AnalysisInput, msg string) (schema.ErrorKind, float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.backend.Classify(callCtx, schema.ClassificationRequest{
		Message: msg,
		Context: schema.ClassificationContext{
			Step:          in.Step,
			AttemptCount:  in.Attempt,
			RecentHistory: in.History,
		},
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", 0, schema.NewErrorf(schema.ErrCodeClassificationTimeout,
				"classification exceeded %s", a.timeout).WithCause(err)
		}
		return "", 0, err
	}
	if resp == nil {
		return "", 0, errors.New("empty classification response")
	}
	kind, ok := schema.ParseErrorKind(resp.ErrorKind)
	if !ok || kind == schema.KindCircuitOpen {
		return "", 0, fmt.Errorf("unusable error kind %q", resp.ErrorKind)
	}
	conf := resp.Confidence
	if conf > 1 {
		conf = 1
	}
	return kind, conf, nil
}

func (a *ErrorAnalyzer) fallback(ctx context.Context, in AnalysisInput, msg string) schema.ErrorKind {
	if len(a.rules) > 0 {
		env := map[string]any{
			"message": msg,
			"step":    in.Step,
			"code":    schema.CodeOf(in.Err),
			"attempt": in.Attempt,
		}
		for _, r := range a.rules {
			ok, err := a.expr.EvaluateBool(ctx, r.When, env)
			if err != nil {
				logging.LogWith(ctx, a.logger).Debug("classification rule failed", "rule", r.When, "error", err)
				continue
			}
			if ok {
				return r.Kind
			}
		}
	}
	return FallbackClassify(msg, in.Err)
}

// localKind decides failures the engine understands without asking anyone.
func localKind(in AnalysisInput) (schema.ErrorKind, bool) {
	switch {
	case in.TimedOut, schema.CodeOf(in.Err) == schema.ErrCodeTimeout:
		return schema.KindTimeout, true
	case schema.CodeOf(in.Err) == schema.ErrCodeCircuitOpen:
		return schema.KindCircuitOpen, true
	}
	return schema.KindHint(in.Err)
}

type kindPattern struct {
	kind     schema.ErrorKind
	patterns []string
}

// fallbackPatterns is checked in order; the first substring hit wins.
var fallbackPatterns = []kindPattern{
	{schema.KindTransient, []string{"gateway timeout"}},
	{schema.KindTimeout, []string{"timeout", "deadline exceeded", "timed out"}},
	{schema.KindResourceExhaustion, []string{"resource", "out of memory", "quota", "too many requests", "rate limit", "429", "no space"}},
	{schema.KindInvalidInput, []string{"invalid", "malformed", "parse error", "validation", "bad request", "400"}},
	{schema.KindDependencyFailure, []string{"dependency", "upstream"}},
	{schema.KindTransient, []string{"connection refused", "connection reset", "broken pipe", "eof", "temporar", "unavailable", "bad gateway", "502", "503"}},
}

// FallbackClassify is the local classifier: a pure function of the error
// message (and, for network errors, the error value).
func FallbackClassify(message string, err error) schema.ErrorKind {
	lower := strings.ToLower(message)
	for _, kp := range fallbackPatterns {
		for _, p := range kp.patterns {
			if strings.Contains(lower, p) {
				return kp.kind
			}
		}
	}
	var netErr net.Error
	if err != nil && errors.As(err, &netErr) {
		return schema.KindTransient
	}
	return schema.KindUnknown
}

func lengthConfidence(msg string) float64 {
	switch n := len(msg); {
	case n > 50:
		return 0.9
	case n > 20:
		return 0.7
	}
	return 0.5
}

var recommendations = map[schema.ErrorKind][]string{
	schema.KindTimeout: {
		"Increase timeout threshold",
		"Optimize step performance",
		"Split into smaller steps",
	},
	schema.KindResourceExhaustion: {
		"Increase resource allocation",
		"Implement rate limiting",
		"Add step batching",
	},
	schema.KindInvalidInput: {
		"Validate input data",
		"Add data transformation",
		"Check upstream step output",
	},
	schema.KindDependencyFailure: {
		"Check service status",
		"Mark the step optional or declare a substitute",
	},
	schema.KindCircuitOpen: {
		"Check the health of the protected resource",
		"Wait for the breaker open duration to elapse",
	},
	schema.KindTransient: {
		"Retry with backoff",
	},
}

// Recommendations returns operator hints for a kind.
func Recommendations(kind schema.ErrorKind) []string {
	if r, ok := recommendations[kind]; ok {
		return append([]string(nil), r...)
	}
	return []string{"Inspect the step logs and resolve the escalation"}
}

func newAnalysis(kind schema.ErrorKind, conf float64, source string) Analysis {
	return Analysis{Kind: kind, Confidence: conf, Source: source, Recommendations: Recommendations(kind)}
}
