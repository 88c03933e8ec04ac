// Package check implements the release check: it asks the origin which
// release is current and records it in the catalog as a not-ready backlog
// entry. No file is downloaded here.
package check

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/superfly/catalogsync"
	"github.com/superfly/catalogsync/manifest"
	"github.com/superfly/catalogsync/perf"
)

const (
	// DefaultNotifyTimeout bounds a single notification call.
	DefaultNotifyTimeout = 30 * time.Second

	originTimeout  = 2 * time.Minute
	catalogTimeout = 15 * time.Second
)

var tracer = otel.Tracer("github.com/superfly/catalogsync/check")

// Dependencies holds the external dependencies for the release check.
type Dependencies struct {
	Catalog  catalogsync.Catalog
	Origin   catalogsync.Origin
	Notifier catalogsync.Notifier
	Logger   logrus.FieldLogger
	Metrics  *perf.Metrics

	// NotifyTimeout bounds the release-change notification (default 30s).
	NotifyTimeout time.Duration
}

// Checker runs release checks.
type Checker struct {
	deps   Dependencies
	logger logrus.FieldLogger
}

// New returns a Checker. Catalog and Origin are required.
func New(deps Dependencies) (*Checker, error) {
	if deps.Catalog == nil {
		return nil, errors.New("check: catalog is required")
	}
	if deps.Origin == nil {
		return nil, errors.New("check: origin is required")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.NotifyTimeout <= 0 {
		deps.NotifyTimeout = DefaultNotifyTimeout
	}
	return &Checker{
		deps:   deps,
		logger: deps.Logger.WithField("component", "release-check"),
	}, nil
}

// CheckAndRecord fetches the origin's current labels and, if no release
// with those labels exists yet, validates its manifest, notifies, and
// records it not ready. It reports whether a release was created.
//
// Origin failures are returned as *catalogsync.OriginError, bad manifests as
// *manifest.Error, and bad labels wrap catalogsync.ErrInvalidLabel.
func (c *Checker) CheckAndRecord(ctx context.Context) (created bool, err error) {
	ctx, span := tracer.Start(ctx, "check.CheckAndRecord")
	defer func() {
		span.SetAttributes(attribute.Bool("catalogsync.created", created))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.deps.Metrics.CheckFailed()
		}
		span.End()
	}()

	timer := perf.Start("release-check", c.logger)
	defer timer.StopWithThreshold(originTimeout)

	labels, err := c.fetchLabels(ctx)
	if err != nil {
		return false, err
	}
	span.SetAttributes(
		attribute.String("catalogsync.client_label", labels.Client),
		attribute.String("catalogsync.content_label", labels.Content),
	)
	logger := c.logger.WithFields(logrus.Fields{
		"client_label":  labels.Client,
		"content_label": labels.Content,
	})

	if err := labels.Validate(); err != nil {
		logger.WithError(err).Error("origin advertised an invalid release label")
		return false, err
	}

	exists, err := c.releaseExists(ctx, labels)
	if err != nil {
		logger.WithError(err).Error("failed to check for existing release")
		return false, fmt.Errorf("catalog query failed: %w", err)
	}
	if exists {
		logger.Debug("release already recorded")
		return false, nil
	}

	logger.WithField("step", "manifest").Info("new release labels, fetching manifest")
	m, err := c.fetchManifest(ctx, labels.Content)
	if err != nil {
		logger.WithError(err).Error("failed to load manifest")
		return false, err
	}

	prev, err := c.latestRelease(ctx)
	if err != nil {
		logger.WithError(err).Error("failed to look up latest release")
		return false, fmt.Errorf("catalog query failed: %w", err)
	}
	var prevLabels catalogsync.Labels
	if prev != nil {
		prevLabels = prev.Labels
	}

	c.notifyChange(ctx, logger, prevLabels, labels)

	id, err := c.createRelease(ctx, &catalogsync.Release{Labels: labels, Manifest: m})
	if errors.Is(err, catalogsync.ErrConflict) {
		// Another checker recorded the same labels between our lookup and insert.
		logger.Info("release recorded concurrently")
		return false, nil
	}
	if err != nil {
		logger.WithError(err).Error("failed to record release")
		return false, fmt.Errorf("catalog insert failed: %w", err)
	}

	c.deps.Metrics.ReleaseDetected()
	span.SetAttributes(attribute.Int64("catalogsync.release_id", id))
	logger.WithFields(logrus.Fields{
		"release_id":    id,
		"files":         m.Len(),
		"prev_client":   prevLabels.Client,
		"prev_content":  prevLabels.Content,
		"manifest_size": len(m.Raw()),
	}).Info("recorded new release")

	return true, nil
}

func (c *Checker) fetchLabels(ctx context.Context) (catalogsync.Labels, error) {
	ctx, cancel := context.WithTimeout(ctx, originTimeout)
	defer cancel()

	labels, err := c.deps.Origin.ReleaseLabels(ctx)
	if err != nil {
		c.logger.WithField("step", "labels").WithError(err).Error("failed to fetch release labels")
		return catalogsync.Labels{}, err
	}
	return labels, nil
}

func (c *Checker) fetchManifest(ctx context.Context, contentLabel string) (*manifest.Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, originTimeout)
	defer cancel()

	raw, err := c.deps.Origin.Manifest(ctx, contentLabel)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(raw)
}

func (c *Checker) releaseExists(ctx context.Context, labels catalogsync.Labels) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return c.deps.Catalog.ReleaseExists(ctx, labels)
}

func (c *Checker) latestRelease(ctx context.Context) (*catalogsync.Release, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return c.deps.Catalog.LatestRelease(ctx)
}

func (c *Checker) createRelease(ctx context.Context, r *catalogsync.Release) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return c.deps.Catalog.CreateRelease(ctx, r)
}

// notifyChange never fails the check; errors are logged and dropped.
func (c *Checker) notifyChange(ctx context.Context, logger logrus.FieldLogger, prev, next catalogsync.Labels) {
	if c.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.deps.NotifyTimeout)
	defer cancel()

	if err := c.deps.Notifier.NotifyReleaseChange(ctx, prev, next); err != nil {
		logger.WithError(err).Warn("release change notification failed")
	}
}
