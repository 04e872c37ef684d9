package model

// Notifier delivers a batch's failure summary to operators.
type Notifier interface {
	Send(subject, body string) error
}
