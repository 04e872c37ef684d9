// Package marker finds TLS record boundaries in a capture and turns them
// into keep rules for the masker.
package marker

import (
	"context"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/masking/rules"
	"PcapSanitizer/internal/model"

	"go.uber.org/zap"
)

// TLS record limits: the header is five bytes and the body may not exceed
// 2^14 plus the largest expansion any cipher is allowed.
const (
	RecordHeaderLen = 5
	MaxRecordBody   = 16384 + 2048
)

// TLS content types.
const (
	ContentChangeCipherSpec uint8 = 20
	ContentAlert            uint8 = 21
	ContentHandshake        uint8 = 22
	ContentApplicationData  uint8 = 23
	ContentHeartbeat        uint8 = 24
)

// TLSRecord is one record located by an analyzer. Length counts the
// header and the body.
type TLSRecord struct {
	Stream         rules.StreamID
	Seq            uint32
	ContentType    uint8
	Length         uint32
	Frame          int64
	Retransmission bool
}

// Analyzer locates TLS records inside the reassembled TCP streams of a
// capture file.
type Analyzer interface {
	Name() string
	// Check verifies that the analyzer can run. Failures are
	// DependencyErrors.
	Check(ctx context.Context) error
	// Analyze calls emit for every record found in path. It must return
	// once ctx is done.
	Analyze(ctx context.Context, path string, emit func(TLSRecord)) error
}

// NewAnalyzer builds the analyzer selected by cfg.Analyzer.
func NewAnalyzer(cfg config.MarkerConfig, logger *zap.Logger) (Analyzer, error) {
	switch cfg.Analyzer {
	case "tshark", "":
		return NewTshark(cfg.TsharkPath, cfg.MinVersion, logger)
	case "native":
		return NewNative(logger), nil
	default:
		return nil, model.Errorf(model.KindConfiguration, "", "unknown analyzer %q", cfg.Analyzer)
	}
}
