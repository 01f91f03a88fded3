// Package fieldmap resolves arbitrary form submission keys onto a CRM
// module's fields and coerces values into the shapes the CRM accepts.
package fieldmap

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/schemacache"
	"github.com/mmdatafocus/formsync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/mmdatafocus/formsync_backend/fieldmap")

type MatchType string

const (
	MatchStandard   MatchType = "standard"
	MatchExact      MatchType = "exact"
	MatchNormalized MatchType = "normalized"
	MatchHeuristic  MatchType = "heuristic"
)

// Reasons recorded in Result.Excluded.
const (
	ReasonNoMatch         = "no_match"
	ReasonTargetTaken     = "target_taken"
	ReasonCreationFailed  = "field_creation_failed"
	ReasonUnknownField    = "unknown_field"
	ReasonInvalidPicklist = "invalid_picklist"
	ReasonInvalidValue    = "invalid_value"
)

const (
	labelConfidence         = 0.95
	DefaultHeuristicFloor   = 0.6
	DefaultHeuristicCeiling = 0.9
)

type FieldMatch struct {
	SourceKey     string    `json:"source_key"`
	TargetApiName string    `json:"target_api_name"`
	MatchType     MatchType `json:"match_type"`
	Confidence    float64   `json:"confidence"`
}

// Result of one mapping pass. Every non-empty payload key ends up either in
// Mapped or in Unmapped; Excluded carries the reason for each unmapped key.
type Result struct {
	Mapped          []FieldMatch      `json:"mapped"`
	Unmapped        []string          `json:"unmapped"`
	ResolvedPayload map[string]any    `json:"resolved_payload"`
	Truncated       []string          `json:"truncated"`
	Excluded        map[string]string `json:"excluded"`
	CreatedFields   []string          `json:"created_fields"`
	Skipped         []string          `json:"skipped"`
}

type Policy struct {
	AllowFieldCreation bool
}

// SchemaProvider is satisfied by *schemacache.Cache.
type SchemaProvider interface {
	Get(ctx context.Context, module string) (*schemacache.Snapshot, error)
	Refresh(ctx context.Context, module string) (*schemacache.Snapshot, error)
	AddField(ctx context.Context, module string, f crm.Field) *schemacache.Snapshot
}

// FieldCreator is satisfied by *crm.Bound.
type FieldCreator interface {
	CreateField(ctx context.Context, module string, spec crm.FieldSpec) (crm.Field, error)
}

type Options struct {
	HeuristicFloor float64
	// HeuristicCeiling caps heuristic confidence so a fuzzy match never
	// outranks an exact or label match when two keys compete for a target.
	HeuristicCeiling    float64
	MultiValueDelimiter string
	PhoneRegion         string
	Scorer              Scorer
	Logger              *logrus.Logger
}

type Engine struct {
	schema  SchemaProvider
	creator FieldCreator
	opts    Options
	coerce  coercer
	logger  *logrus.Logger
}

// New builds an engine. creator may be nil, which disables field creation
// regardless of policy.
func New(schema SchemaProvider, creator FieldCreator, opts Options) *Engine {
	if opts.HeuristicFloor <= 0 {
		opts.HeuristicFloor = DefaultHeuristicFloor
	}
	if opts.HeuristicCeiling <= 0 || opts.HeuristicCeiling >= labelConfidence {
		opts.HeuristicCeiling = DefaultHeuristicCeiling
	}
	if opts.MultiValueDelimiter == "" {
		opts.MultiValueDelimiter = ";"
	}
	if opts.PhoneRegion == "" {
		opts.PhoneRegion = utils.DefaultCountryCode
	}
	if opts.Scorer == nil {
		opts.Scorer = CharOverlapScorer{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Engine{
		schema:  schema,
		creator: creator,
		opts:    opts,
		coerce:  coercer{delimiter: opts.MultiValueDelimiter, phoneRegion: opts.PhoneRegion},
		logger:  opts.Logger,
	}
}

// MapFields resolves payload onto module. The only error is a schema that
// cannot be loaded at all; individual keys never fail the pass.
func (e *Engine) MapFields(ctx context.Context, payload map[string]any, module string, policy Policy) (*Result, error) {
	ctx, span := tracer.Start(ctx, "fieldmap.MapFields")
	defer span.End()
	span.SetAttributes(attribute.String("crm.module", module), attribute.Int("payload.keys", len(payload)))

	snap, err := e.schema.Get(ctx, module)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := &Result{
		Mapped:          []FieldMatch{},
		Unmapped:        []string{},
		ResolvedPayload: map[string]any{},
		Truncated:       []string{},
		Excluded:        map[string]string{},
		CreatedFields:   []string{},
		Skipped:         []string{},
	}

	var candidates []FieldMatch
	var unmatched []string
	for _, key := range keys {
		if isEmpty(payload[key]) {
			res.Skipped = append(res.Skipped, key)
			continue
		}
		if m, ok := e.match(snap, key); ok {
			candidates = append(candidates, m)
		} else {
			unmatched = append(unmatched, key)
		}
	}

	if policy.AllowFieldCreation && e.creator != nil && len(unmatched) > 0 {
		var created []FieldMatch
		snap, created, err = e.createFields(ctx, module, snap, payload, unmatched, res)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, created...)
	} else {
		for _, key := range unmatched {
			res.Excluded[key] = ReasonNoMatch
		}
	}

	for _, m := range e.resolveConflicts(candidates, res) {
		field, ok := snap.Field(m.TargetApiName)
		if !ok {
			res.Excluded[m.SourceKey] = ReasonUnknownField
			continue
		}
		value, truncated, err := e.coerce.coerce(field, payload[m.SourceKey])
		if err != nil {
			res.Excluded[m.SourceKey] = exclusionReason(err)
			e.logger.WithFields(logrus.Fields{"field": "FieldMapping", "module": module, "key": m.SourceKey, "target": m.TargetApiName}).WithError(err).Warn("value excluded")
			continue
		}
		if truncated {
			res.Truncated = append(res.Truncated, m.SourceKey)
			e.logger.WithFields(logrus.Fields{"field": "FieldMapping", "module": module, "key": m.SourceKey, "target": m.TargetApiName, "max_length": field.MaxLength}).Warn("value truncated to field max length")
		}
		res.ResolvedPayload[m.TargetApiName] = value
		res.Mapped = append(res.Mapped, m)
	}

	for key := range res.Excluded {
		res.Unmapped = append(res.Unmapped, key)
	}
	sort.Strings(res.Unmapped)
	sort.Slice(res.Mapped, func(i, j int) bool { return res.Mapped[i].SourceKey < res.Mapped[j].SourceKey })
	sort.Strings(res.Truncated)

	span.SetAttributes(attribute.Int("fieldmap.mapped", len(res.Mapped)), attribute.Int("fieldmap.unmapped", len(res.Unmapped)))
	return res, nil
}

// Match resolves a single key against a snapshot without coercion.
func (e *Engine) Match(snap *schemacache.Snapshot, key string) (FieldMatch, bool) {
	return e.match(snap, key)
}

func (e *Engine) match(snap *schemacache.Snapshot, key string) (FieldMatch, bool) {
	nk := Normalize(key)
	if nk == "" || snap == nil {
		return FieldMatch{}, false
	}
	if target, ok := StandardTarget(nk); ok && snap.Has(target) {
		return FieldMatch{SourceKey: key, TargetApiName: target, MatchType: MatchStandard, Confidence: 1}, true
	}
	for _, f := range snap.Fields {
		if Normalize(f.ApiName) == nk {
			return FieldMatch{SourceKey: key, TargetApiName: f.ApiName, MatchType: MatchExact, Confidence: 1}, true
		}
	}
	for _, f := range snap.Fields {
		if f.Label != "" && Normalize(f.Label) == nk {
			return FieldMatch{SourceKey: key, TargetApiName: f.ApiName, MatchType: MatchNormalized, Confidence: labelConfidence}, true
		}
	}

	best, bestScore := "", 0.0
	for _, f := range snap.Fields {
		if s := e.opts.Scorer.Score(nk, Normalize(f.ApiName)); s > bestScore {
			best, bestScore = f.ApiName, s
		}
		if f.Label == "" {
			continue
		}
		if s := e.opts.Scorer.Score(nk, Normalize(f.Label)); s > bestScore {
			best, bestScore = f.ApiName, s
		}
	}
	if best == "" || bestScore < e.opts.HeuristicFloor {
		return FieldMatch{}, false
	}
	return FieldMatch{SourceKey: key, TargetApiName: best, MatchType: MatchHeuristic, Confidence: min(bestScore, e.opts.HeuristicCeiling)}, true
}

// resolveConflicts keeps one key per target: highest confidence, then the
// earlier key. Losers are recorded as target_taken.
func (e *Engine) resolveConflicts(candidates []FieldMatch, res *Result) []FieldMatch {
	ranked := make([]FieldMatch, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].SourceKey < ranked[j].SourceKey
	})

	taken := make(map[string]bool, len(ranked))
	winners := make([]FieldMatch, 0, len(ranked))
	for _, m := range ranked {
		if taken[m.TargetApiName] {
			res.Excluded[m.SourceKey] = ReasonTargetTaken
			continue
		}
		taken[m.TargetApiName] = true
		winners = append(winners, m)
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i].SourceKey < winners[j].SourceKey })
	return winners
}

// createFields makes one creation attempt per unmatched key. A duplicate
// field answer means our snapshot is behind, so the schema is refreshed at
// most once per pass and the key re-matched.
func (e *Engine) createFields(ctx context.Context, module string, snap *schemacache.Snapshot, payload map[string]any, keys []string, res *Result) (*schemacache.Snapshot, []FieldMatch, error) {
	logger := e.logger.WithFields(logrus.Fields{"field": "FieldMapping", "module": module})
	var matches []FieldMatch
	refreshed := false

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return snap, nil, err
		}
		spec := InferFieldSpec(key, payload[key], e.opts.PhoneRegion)
		field, err := e.creator.CreateField(ctx, module, spec)

		var schemaErr *crm.SchemaError
		switch {
		case err == nil:
			snap = e.schema.AddField(ctx, module, field)
			res.CreatedFields = append(res.CreatedFields, field.ApiName)
			logger.WithFields(logrus.Fields{"key": key, "api_name": field.ApiName, "data_type": field.DataType}).Info("created crm field")
			if m, ok := e.match(snap, key); ok && m.TargetApiName == field.ApiName {
				matches = append(matches, m)
			} else {
				matches = append(matches, FieldMatch{SourceKey: key, TargetApiName: field.ApiName, MatchType: MatchExact, Confidence: 1})
			}

		case errors.As(err, &schemaErr) && schemaErr.Code == crm.SchemaCodeDuplicateField:
			if !refreshed {
				refreshed = true
				if fresh, rerr := e.schema.Refresh(ctx, module); rerr == nil {
					snap = fresh
				} else {
					logger.WithError(rerr).Warn("schema refresh after duplicate field failed")
				}
			}
			if m, ok := e.match(snap, key); ok {
				matches = append(matches, m)
			} else {
				res.Excluded[key] = ReasonCreationFailed
			}

		default:
			logger.WithFields(logrus.Fields{"key": key, "data_type": spec.DataType}).WithError(err).Warn("field creation failed, excluding key")
			res.Excluded[key] = ReasonCreationFailed
		}
	}
	return snap, matches, nil
}

func exclusionReason(err error) string {
	var schemaErr *crm.SchemaError
	if errors.As(err, &schemaErr) && schemaErr.Code != "" {
		return strings.ToLower(schemaErr.Code)
	}
	return ReasonInvalidValue
}
