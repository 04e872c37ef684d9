package marker

import (
	"context"
	"os"
	"time"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/masking/rules"
	"PcapSanitizer/internal/metrics"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/pkg/logging"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Result is the outcome of marking one file.
type Result struct {
	Rules          *rules.KeepRuleSet
	RecordsSeen    int
	RecordsSkipped int
	Timeout        time.Duration
}

// Marker runs an analyzer over a capture and turns the records it reports
// into a KeepRuleSet.
type Marker struct {
	analyzer Analyzer
	preserve config.PreserveConfig
	logger   *zap.Logger

	minTimeout, perMB, maxTimeout time.Duration

	checked bool
}

// New builds a marker. A nil analyzer selects the one named by cfg.
func New(cfg config.MarkerConfig, analyzer Analyzer, logger *zap.Logger) (*Marker, error) {
	logger = logging.Must(logger)
	minT, perMB, maxT, err := cfg.Timeout.Durations()
	if err != nil {
		return nil, model.NewError(model.KindConfiguration, "", err)
	}
	if analyzer == nil {
		if analyzer, err = NewAnalyzer(cfg, logger); err != nil {
			return nil, err
		}
	}
	return &Marker{
		analyzer:   analyzer,
		preserve:   cfg.Preserve,
		logger:     logger,
		minTimeout: minT,
		perMB:      perMB,
		maxTimeout: maxT,
	}, nil
}

// Analyzer returns the backend in use.
func (m *Marker) Analyzer() Analyzer { return m.analyzer }

// TimeoutFor scales the analyzer budget with the input size.
func TimeoutFor(size int64, minT, perMB, maxT time.Duration) time.Duration {
	const mb = 1 << 20
	t := minT + time.Duration(float64(perMB)*float64(size)/mb)
	if t < minT {
		return minT
	}
	if t > maxT {
		return maxT
	}
	return t
}

// Mark analyzes path and returns its keep rules. The analyzer must finish
// within the size-scaled timeout or the whole call fails with a
// TimeoutError; no partial rule set is returned.
func (m *Marker) Mark(ctx context.Context, path string) (*Result, error) {
	if !m.checked {
		checkCtx, cancel := context.WithTimeout(ctx, m.minTimeout)
		err := m.analyzer.Check(checkCtx)
		cancel()
		if err != nil {
			if model.KindOf(err) == model.KindUnknown {
				err = model.NewError(model.KindDependency, "", err)
			}
			return nil, err
		}
		m.checked = true
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, model.NewError(model.KindProcessing, "", errors.Wrap(err, "stat capture"))
	}
	timeout := TimeoutFor(fi.Size(), m.minTimeout, m.perMB, m.maxTimeout)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	builder := rules.NewBuilder(m.logger)
	res := &Result{Timeout: timeout}
	start := time.Now()

	err = m.analyzer.Analyze(runCtx, path, func(rec TLSRecord) {
		res.RecordsSeen++
		if !m.classify(builder, rec) {
			res.RecordsSkipped++
		}
	})
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, model.Errorf(model.KindTimeout, "", "%s analyzer exceeded %s on %s", m.analyzer.Name(), timeout, path)
	case ctx.Err() != nil:
		return nil, model.NewError(model.KindProcessing, "", errors.Wrap(ctx.Err(), "marking cancelled"))
	case err != nil:
		if model.KindOf(err) != model.KindUnknown {
			return nil, err
		}
		return nil, model.NewError(model.KindProcessing, "", errors.Wrapf(err, "%s analyzer", m.analyzer.Name()))
	}

	res.Rules = builder.Build()
	metrics.RuleConflicts.Add(float64(res.Rules.Conflicts()))
	m.logger.Info("Marked TLS records",
		zap.String("file", path),
		zap.String("analyzer", m.analyzer.Name()),
		zap.Int("records", res.RecordsSeen),
		zap.Int("skipped", res.RecordsSkipped),
		zap.Int("rules", res.Rules.Len()),
		zap.Int("streams", res.Rules.Streams()),
		zap.Int("conflicts", res.Rules.Conflicts()),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// classify adds the rule for rec. It reports false when rec is malformed
// and was skipped. Record types that are configured not to be preserved
// get no rule and are masked entirely.
func (m *Marker) classify(b *rules.Builder, rec TLSRecord) bool {
	if rec.Length < RecordHeaderLen || rec.Length-RecordHeaderLen > MaxRecordBody {
		m.logger.Warn("Skipping TLS record with invalid length",
			zap.Stringer("stream", rec.Stream),
			zap.Int64("frame", rec.Frame),
			zap.Uint32("length", rec.Length))
		return false
	}

	var rule rules.KeepRule
	switch rec.ContentType {
	case ContentChangeCipherSpec, ContentAlert, ContentHandshake, ContentHeartbeat:
		if !m.preserveFull(rec.ContentType) {
			return true
		}
		rule = rules.FullRule(rec.Stream, rec.Seq, rec.Length)
	case ContentApplicationData:
		n := uint32(m.preserve.ApplicationDataHeader)
		if n == 0 {
			return true
		}
		rule = rules.HeaderRule(rec.Stream, rec.Seq, n)
	default:
		m.logger.Warn("Skipping TLS record with unknown content type",
			zap.Stringer("stream", rec.Stream),
			zap.Int64("frame", rec.Frame),
			zap.Uint8("content_type", rec.ContentType))
		return false
	}
	rule.Frame = rec.Frame
	rule.ContentType = rec.ContentType
	rule.Retransmission = rec.Retransmission

	if err := b.Add(rule); err != nil {
		m.logger.Warn("Skipping TLS record", zap.Error(err))
		return false
	}
	return true
}

func (m *Marker) preserveFull(ct uint8) bool {
	switch ct {
	case ContentChangeCipherSpec:
		return m.preserve.ChangeCipherSpec
	case ContentAlert:
		return m.preserve.Alert
	case ContentHandshake:
		return m.preserve.Handshake
	case ContentHeartbeat:
		return m.preserve.Heartbeat
	}
	return false
}
