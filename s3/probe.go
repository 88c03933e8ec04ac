package s3

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
)

// ProbePrefix is where Probe writes its short-lived objects.
const ProbePrefix = "_probe/"

// CheckResult is the outcome of one permission check.
type CheckResult struct {
	Name     string
	Pass     bool
	Required bool
	Detail   string
}

// Probe verifies the credentials the store runs with: it writes a small
// object under ProbePrefix, reads its metadata back, and deletes it. Only
// the write and head checks are required; delete is reported but optional
// since the pipeline never deletes.
func (c *Client) Probe(ctx context.Context, timeout time.Duration) []CheckResult {
	key := c.objectKey(ProbePrefix + ulid.Make().String())
	body := []byte("catalogsync probe " + time.Now().UTC().Format(time.RFC3339))

	var results []CheckResult

	{
		ctxOp, cancel := context.WithTimeout(ctx, timeout)
		_, err := c.api.PutObject(ctxOp, &s3.PutObjectInput{
			Bucket: aws.String(c.cfg.Bucket),
			Key:    aws.String(key),
			Body:   strings.NewReader(string(body)),
		})
		cancel()
		res := classify("s3:PutObject", true, err)
		if err == nil {
			res.Detail = fmt.Sprintf("wrote %s", key)
		}
		results = append(results, res)
		if err != nil {
			return results
		}
	}

	{
		ctxOp, cancel := context.WithTimeout(ctx, timeout)
		out, err := c.api.HeadObject(ctxOp, &s3.HeadObjectInput{
			Bucket: aws.String(c.cfg.Bucket),
			Key:    aws.String(key),
		})
		cancel()
		res := classify("s3:HeadObject", true, err)
		if err == nil && out.ContentLength != nil && *out.ContentLength != int64(len(body)) {
			res.Pass = false
			res.Detail = fmt.Sprintf("size mismatch: stored %d, wrote %d", *out.ContentLength, len(body))
		}
		results = append(results, res)
	}

	{
		ctxOp, cancel := context.WithTimeout(ctx, timeout)
		_, err := c.api.DeleteObject(ctxOp, &s3.DeleteObjectInput{
			Bucket: aws.String(c.cfg.Bucket),
			Key:    aws.String(key),
		})
		cancel()
		results = append(results, classify("s3:DeleteObject", false, err))
	}

	return results
}

func classify(name string, required bool, err error) CheckResult {
	if err == nil {
		return CheckResult{Name: name, Pass: true, Required: required}
	}
	return CheckResult{Name: name, Pass: false, Required: required, Detail: strings.TrimSpace(err.Error())}
}
