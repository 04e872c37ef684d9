// Package anonymize rewrites IP addresses with a keyed prefix-preserving
// mapping, consistently for the lifetime of a stage instance.
package anonymize

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"time"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/engine/protocol"
	"PcapSanitizer/internal/factory"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/monitor"
	"PcapSanitizer/internal/pkg/logging"
	"PcapSanitizer/internal/stages"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// --- Factory Registration ---

func init() {
	factory.RegisterStage(model.StageAnonymize, func(logger *zap.Logger) model.Stage {
		return New(logger)
	})
}

// Stage anonymizes the source and destination address of every IPv4 and
// IPv6 header and fixes the checksums that cover them.
type Stage struct {
	logger  *zap.Logger
	monitor *monitor.Monitor
	format  stages.OutputFormat

	pan             *cryptoPAn
	preservePrivate bool
	initialized     bool
}

// New returns an uninitialized anonymize stage.
func New(logger *zap.Logger) *Stage {
	return &Stage{logger: logging.Must(logger).With(zap.String("stage", model.StageAnonymize))}
}

func (s *Stage) Name() string { return model.StageAnonymize }

func (s *Stage) Initialize(cfg *config.Config) error {
	if s.initialized {
		return model.Errorf(model.KindConfiguration, model.StageAnonymize, "already initialized")
	}
	key, err := s.key(cfg.Anonymize)
	if err != nil {
		return model.NewError(model.KindConfiguration, model.StageAnonymize, err)
	}
	pan, err := newCryptoPAn(key)
	if err != nil {
		return model.NewError(model.KindConfiguration, model.StageAnonymize, err)
	}
	format, err := stages.ParseOutputFormat(model.StageAnonymize, cfg.Pipeline.OutputFormat)
	if err != nil {
		return err
	}
	s.pan = pan
	s.format = format
	s.preservePrivate = cfg.Anonymize.PreservePrivate
	s.monitor = monitor.New(cfg.Monitor, s.logger)
	s.initialized = true
	return nil
}

func (s *Stage) key(cfg config.AnonymizeConfig) ([]byte, error) {
	switch {
	case cfg.Key != "":
		key, err := hex.DecodeString(cfg.Key)
		if err != nil {
			return nil, errors.Wrap(err, "anonymize.key")
		}
		return key, nil
	case cfg.Passphrase != "":
		sum := sha256.Sum256([]byte(cfg.Passphrase))
		return sum[:], nil
	default:
		key := make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, errors.Wrap(err, "generate anonymization key")
		}
		s.logger.Warn("No anonymization key configured, using a random one; mappings will differ between runs")
		return key, nil
	}
}

func (s *Stage) Process(ctx context.Context, inputPath, outputPath string) (*model.StageStats, error) {
	if !s.initialized {
		return nil, model.Errorf(model.KindConfiguration, model.StageAnonymize, "process called before initialize")
	}
	start := time.Now()
	stats := model.NewStageStats(model.StageAnonymize)
	var v4, v6 int64

	err := stages.Rewrite(ctx, stats, inputPath, outputPath, s.format, s.monitor,
		func(lt layers.LinkType, _ gopacket.CaptureInfo, data []byte) (bool, bool) {
			view, err := protocol.ParsePacket(data, lt)
			if err != nil {
				return true, false
			}
			switch view.IPVersion {
			case 4:
				v4++
			case 6:
				v6++
			}
			return true, s.rewrite(view, data)
		})
	if err != nil {
		return nil, err
	}

	stats.ExtraMetrics.Set("addresses_mapped", int64(s.pan.Len()))
	stats.ExtraMetrics.Set("ipv4_packets", v4)
	stats.ExtraMetrics.Set("ipv6_packets", v6)
	stats.Finish(start)
	s.logger.Info("Anonymized capture",
		zap.String("file", inputPath),
		zap.Int64("packets", stats.PacketsProcessed),
		zap.Int64("rewritten", stats.PacketsModified),
		zap.Int("addresses", s.pan.Len()))
	return stats, nil
}

// rewrite replaces both addresses of the outer IP header in place.
func (s *Stage) rewrite(view *protocol.PacketView, data []byte) bool {
	hdr := data[view.NetOffset:]
	var src, dst []byte
	switch view.IPVersion {
	case 4:
		src, dst = hdr[12:16], hdr[16:20]
	case 6:
		src, dst = hdr[8:24], hdr[24:40]
	default:
		return false
	}
	changed := s.replace(src)
	changed = s.replace(dst) || changed
	if changed {
		view.RecomputeChecksums(data)
	}
	return changed
}

func (s *Stage) replace(b []byte) bool {
	addr, ok := netip.AddrFromSlice(b)
	if !ok {
		return false
	}
	if s.preservePrivate && (addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()) {
		return false
	}
	mapped := s.pan.Map(addr)
	if mapped == addr {
		return false
	}
	out := mapped.AsSlice()
	copy(b, out)
	return true
}

// Cleanup drops the key and the mapping cache.
func (s *Stage) Cleanup() {
	s.pan = nil
	s.initialized = false
}
