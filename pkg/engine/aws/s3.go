package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// EmptyBuckets finds buckets in the scanned region holding no objects,
// versions or delete markers.
type EmptyBuckets struct{}

func (*EmptyBuckets) CategoryKey() string { return "empty_s3_buckets" }

// bucketRegion normalizes GetBucketLocation's legacy constraint values.
func bucketRegion(c types.BucketLocationConstraint) string {
	switch c {
	case "":
		return "us-east-1"
	case "EU":
		return "eu-west-1"
	}
	return string(c)
}

func (*EmptyBuckets) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	now := in.Config.Clock()

	input := &s3.ListBucketsInput{}
	var buckets []types.Bucket
	err = paginate(ctx, in, func(ctx context.Context, token *string) (*s3.ListBucketsOutput, *string, error) {
		input.ContinuationToken = token
		out, err := s.S3.ListBuckets(ctx, input)
		if err != nil {
			return nil, nil, err
		}
		return out, out.ContinuationToken, nil
	}, func(out *s3.ListBucketsOutput) {
		buckets = append(buckets, out.Buckets...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	var out []resources.Candidate
	for _, b := range buckets {
		name := aws.ToString(b.Name)
		loc, err := call(ctx, in, func(ctx context.Context) (*s3.GetBucketLocationOutput, error) {
			return s.S3.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(name)})
		})
		if err != nil {
			in.Config.Log().Debug("skipping bucket with unreadable location", "bucket", name, "error", err)
			continue
		}
		if bucketRegion(loc.LocationConstraint) != in.Region {
			continue
		}

		empty, err := bucketEmpty(ctx, in, s.S3, name)
		if err != nil {
			return nil, err
		}
		if !empty {
			continue
		}

		tags := bucketTags(ctx, in, s.S3, name)
		out = append(out, resources.Candidate{
			ResourceID:          name,
			ResourceName:        name,
			ResourceType:        resources.S3Bucket,
			Provider:            resources.ProviderAWS,
			Region:              in.Region,
			MonthlyCostEstimate: in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.S3Bucket, "", in.Region),
			ConfidenceScore:     0.85,
			RecommendedAction:   resources.ActionDeleteS3Bucket,
			ExplainabilityNotes: fmt.Sprintf("bucket holds no objects or versions (created %d days ago)", ageDays(now, b.CreationDate)),
			Tags:                tags,
			CreatedAt:           timePtr(b.CreationDate),
		})
	}
	return out, nil
}

func bucketEmpty(ctx context.Context, in scanner.Input, api S3API, name string) (bool, error) {
	objs, err := call(ctx, in, func(ctx context.Context) (*s3.ListObjectsV2Output, error) {
		return api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(name), MaxKeys: aws.Int32(1)})
	})
	if err != nil {
		return false, fmt.Errorf("list objects in %s: %w", name, err)
	}
	if len(objs.Contents) > 0 {
		return false, nil
	}

	// Versioned buckets can look empty while holding old versions.
	vers, err := call(ctx, in, func(ctx context.Context) (*s3.ListObjectVersionsOutput, error) {
		return api.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{Bucket: aws.String(name), MaxKeys: aws.Int32(1)})
	})
	if err != nil {
		return false, fmt.Errorf("list object versions in %s: %w", name, err)
	}
	return len(vers.Versions) == 0 && len(vers.DeleteMarkers) == 0, nil
}

// bucketTags returns nil for untagged buckets, which S3 reports as an error.
func bucketTags(ctx context.Context, in scanner.Input, api S3API, name string) map[string]string {
	out, err := call(ctx, in, func(ctx context.Context) (*s3.GetBucketTaggingOutput, error) {
		return api.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(name)})
	})
	if err != nil {
		return nil
	}
	return tagMap(out.TagSet, func(t types.Tag) (*string, *string) { return t.Key, t.Value })
}

