package notification

import (
	"net/smtp"
	"testing"

	"PcapSanitizer/internal/config"
	"PcapSanitizer/internal/model"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailNotifier_Send(t *testing.T) {
	assert.Nil(t, NewEmailNotifier(config.SMTPConfig{}), "no host, no notifier")

	n := NewEmailNotifier(config.SMTPConfig{
		Host: "mail.example", Port: 2525, From: "pcapsan@example", To: "a@example, b@example",
	}).(*EmailNotifier)

	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	n.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		return nil
	}
	require.NoError(t, n.Send("subject line", "body text"))
	assert.Equal(t, "mail.example:2525", gotAddr)
	assert.Equal(t, []string{"a@example", "b@example"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: subject line\r\n")
	assert.Contains(t, string(gotMsg), "\r\n\r\nbody text")

	n.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	assert.ErrorContains(t, n.Send("s", "b"), "refused")

	n.cfg.To = " , "
	assert.Error(t, n.Send("s", "b"))
}

func TestFailureSummary(t *testing.T) {
	ok := &model.FileReport{Result: &model.ProcessResult{Success: true, InputPath: "good.pcap"}}
	_, _, failed := FailureSummary([]*model.FileReport{ok})
	assert.False(t, failed)

	bad := &model.FileReport{Result: &model.ProcessResult{
		InputPath: "bad.pcap",
		Error:     model.NewErrorInfo(model.Errorf(model.KindProcessing, model.StageDedup, "packet 3: unexpected EOF")),
	}}
	early := &model.FileReport{Result: &model.ProcessResult{
		InputPath: "notes.txt",
		Error:     model.NewErrorInfo(model.Errorf(model.KindConfiguration, "", "unsupported extension")),
	}}
	subject, body, failed := FailureSummary([]*model.FileReport{ok, bad, early})
	require.True(t, failed)
	assert.Equal(t, "[pcapsan] 2 capture(s) failed", subject)
	assert.Contains(t, body, "2 of 3 captures")
	assert.Contains(t, body, "ProcessingError (stage dedup): packet 3: unexpected EOF")
	assert.Contains(t, body, "ConfigurationError (stage -): unsupported extension")
}
