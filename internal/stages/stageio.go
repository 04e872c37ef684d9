// Package stages holds what the capture-to-capture stages share: the
// packet rewrite loop and the output format settings.
package stages

import (
	"context"
	"path/filepath"

	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/monitor"
	"PcapSanitizer/pkg/pcap"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

const ctxCheckEvery = 1024

// OutputFormat is the parsed pipeline.output_format setting.
type OutputFormat struct {
	Format   pcap.Format
	Override bool
}

// ParseOutputFormat parses "auto", "pcap" or "pcapng".
func ParseOutputFormat(stage, s string) (OutputFormat, error) {
	f, ok, err := pcap.ParseFormat(s)
	if err != nil {
		return OutputFormat{}, model.NewError(model.KindConfiguration, stage, err)
	}
	return OutputFormat{Format: f, Override: ok}, nil
}

// PacketFunc inspects one packet and may modify data in place. It returns
// whether to keep the packet and whether it changed it.
type PacketFunc func(linkType layers.LinkType, ci gopacket.CaptureInfo, data []byte) (keep, modified bool)

// Rewrite streams every packet of input through fn into output and fills
// PacketsProcessed and PacketsModified of stats. Read failures are
// ProcessingErrors, write failures ResourceErrors.
func Rewrite(ctx context.Context, stats *model.StageStats, input, output string, format OutputFormat, mon *monitor.Monitor, fn PacketFunc) error {
	stage := stats.StageName

	r, err := pcap.NewReader(input)
	if err != nil {
		return model.NewError(model.KindProcessing, stage, errors.Wrap(err, "open input"))
	}
	defer r.Close()

	w, err := pcap.NewWriterLike(output, r, format.Format, format.Override)
	if err != nil {
		return model.NewError(model.KindResource, stage, errors.Wrap(err, "create output"))
	}

	every := mon.CheckEvery()
	scratch := filepath.Dir(output)

	loopErr := r.ForEach(func(index int, ci gopacket.CaptureInfo, data []byte) error {
		if index%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return model.NewError(model.KindProcessing, stage, errors.Wrap(err, "cancelled"))
			}
		}
		if index > 0 && index%every == 0 {
			if err := mon.Check(stage, scratch); err != nil {
				return err
			}
		}
		stats.PacketsProcessed++
		keep, modified := fn(r.PacketLinkType(ci), ci, data)
		if modified {
			stats.PacketsModified++
		}
		if !keep {
			return nil
		}
		if err := w.WritePacket(ci, data); err != nil {
			if errors.Is(err, pcap.ErrLinkTypeMismatch) {
				return model.NewError(model.KindConfiguration, stage,
					errors.Wrap(err, "mixed link types need pcapng output, set output_format to pcapng or auto"))
			}
			return model.NewError(model.KindResource, stage, errors.Wrap(err, "write packet"))
		}
		return nil
	})
	closeErr := w.Close()
	if loopErr != nil {
		if model.KindOf(loopErr) == model.KindUnknown {
			loopErr = model.NewError(model.KindProcessing, stage, errors.Wrap(loopErr, "read input"))
		}
		return loopErr
	}
	if closeErr != nil {
		return model.NewError(model.KindResource, stage, errors.Wrap(closeErr, "close output"))
	}
	return nil
}
