package report

import (
	"context"
	"encoding/json"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/model"
	"PcapSanitizer/internal/pkg/logging"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// NATSPublisher publishes each report as a protobuf Struct to a subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher connects to cfg.URL.
func NewNATSPublisher(cfg config.NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	logger = logging.Must(logger)
	nc, err := nats.Connect(cfg.URL, nats.Name("pcapsan"))
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats at %s", cfg.URL)
	}
	logger.Info("Connected to NATS", zap.String("url", cfg.URL), zap.String("subject", cfg.Subject))
	return &NATSPublisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

func (p *NATSPublisher) Name() string { return "nats" }

// Write publishes one report.
func (p *NATSPublisher) Write(_ context.Context, report *model.FileReport) error {
	data, err := Encode(report)
	if err != nil {
		return err
	}
	return errors.Wrap(p.nc.Publish(p.subject, data), "publish report")
}

// Encode serializes a report to a binary google.protobuf.Struct.
func Encode(report *model.FileReport) ([]byte, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, errors.Wrap(err, "marshal report")
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "unmarshal report")
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "convert report")
	}
	return proto.Marshal(msg)
}

// Decode is the inverse of Encode, for subscribers.
func Decode(data []byte) (*structpb.Struct, error) {
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, "unmarshal report")
	}
	return msg, nil
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.logger.Info("NATS connection drained and closed")
	return err
}
