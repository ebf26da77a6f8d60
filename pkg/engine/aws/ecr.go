package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// StaleECRImages finds untagged images pushed (and last pulled) before the
// age threshold.
type StaleECRImages struct{}

func (*StaleECRImages) CategoryKey() string { return "stale_ecr_images" }

// ImageID joins repository and digest; SplitImageID reverses it.
func ImageID(repo, digest string) string { return repo + "@" + digest }

func SplitImageID(id string) (repo, digest string, ok bool) {
	repo, digest, ok = strings.Cut(id, "@")
	return repo, digest, ok && repo != "" && digest != ""
}

func (*StaleECRImages) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	threshold := in.Config.Thresholds.StaleImage.AgeThreshold
	now := in.Config.Clock()

	repoInput := &ecr.DescribeRepositoriesInput{}
	var repos []types.Repository
	err = paginate(ctx, in, func(ctx context.Context, token *string) (*ecr.DescribeRepositoriesOutput, *string, error) {
		repoInput.NextToken = token
		out, err := s.ECR.DescribeRepositories(ctx, repoInput)
		if err != nil {
			return nil, nil, err
		}
		return out, out.NextToken, nil
	}, func(out *ecr.DescribeRepositoriesOutput) {
		repos = append(repos, out.Repositories...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe repositories: %w", err)
	}

	var out []resources.Candidate
	for _, repo := range repos {
		name := aws.ToString(repo.RepositoryName)
		imgInput := &ecr.DescribeImagesInput{
			RepositoryName: repo.RepositoryName,
			Filter:         &types.DescribeImagesFilter{TagStatus: types.TagStatusUntagged},
		}
		err := paginate(ctx, in, func(ctx context.Context, token *string) (*ecr.DescribeImagesOutput, *string, error) {
			imgInput.NextToken = token
			resp, err := s.ECR.DescribeImages(ctx, imgInput)
			if err != nil {
				return nil, nil, err
			}
			return resp, resp.NextToken, nil
		}, func(resp *ecr.DescribeImagesOutput) {
			for _, img := range resp.ImageDetails {
				if len(img.ImageTags) > 0 || !olderThan(now, img.ImagePushedAt, threshold) {
					continue
				}
				if img.LastRecordedPullTime != nil && !olderThan(now, img.LastRecordedPullTime, threshold) {
					continue
				}
				gb := float64(aws.ToInt64(img.ImageSizeInBytes)) / (1 << 30)
				digest := aws.ToString(img.ImageDigest)
				out = append(out, resources.Candidate{
					ResourceID:          ImageID(name, digest),
					ResourceName:        name,
					ResourceType:        resources.ECRImage,
					Provider:            resources.ProviderAWS,
					Region:              in.Region,
					MonthlyCostEstimate: in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.ECRImage, pricing.FormatSize("", gb), in.Region),
					ConfidenceScore:     0.92,
					RecommendedAction:   resources.ActionDeleteECRImage,
					ExplainabilityNotes: fmt.Sprintf("untagged image pushed %d days ago and not pulled since", ageDays(now, img.ImagePushedAt)),
					CreatedAt:           timePtr(img.ImagePushedAt),
					Metadata: map[string]string{
						"repository": name,
						"digest":     digest,
					},
				})
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe images in %s: %w", name, err)
		}
	}
	return out, nil
}
