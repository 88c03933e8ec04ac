// Package notify implements catalogsync.Notifier: a log notifier, an SMTP
// mailer, and a fan-out over several notifiers.
package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/superfly/catalogsync"
)

// Log writes notifications to a logger. It never fails.
type Log struct {
	Logger logrus.FieldLogger
}

var _ catalogsync.Notifier = Log{}

func (l Log) logger() logrus.FieldLogger {
	if l.Logger == nil {
		return logrus.StandardLogger()
	}
	return l.Logger
}

func (l Log) NotifyReleaseChange(ctx context.Context, prev, next catalogsync.Labels) error {
	l.logger().WithFields(logrus.Fields{
		"component":          "notify",
		"prev_client_label":  prev.Client,
		"prev_content_label": prev.Content,
		"client_label":       next.Client,
		"content_label":      next.Content,
	}).Info("new release detected")
	return nil
}

func (l Log) NotifySyncComplete(ctx context.Context, labels catalogsync.Labels) error {
	l.logger().WithFields(logrus.Fields{
		"component":     "notify",
		"client_label":  labels.Client,
		"content_label": labels.Content,
	}).Info("release sync completed")
	return nil
}

// Multi delivers every notification to each notifier in order and joins
// their errors. A failing notifier does not stop the rest.
type Multi []catalogsync.Notifier

var _ catalogsync.Notifier = Multi(nil)

func (m Multi) NotifyReleaseChange(ctx context.Context, prev, next catalogsync.Labels) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyReleaseChange(ctx, prev, next); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) NotifySyncComplete(ctx context.Context, labels catalogsync.Labels) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifySyncComplete(ctx, labels); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
