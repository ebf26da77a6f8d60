package aws

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// userAgent is appended to every request for audit trails on the customer side.
const userAgent = "reaper/v1"

// Session bundles the read-only clients the AWS plugins use for one
// connection and region.
type Session struct {
	Config    aws.Config
	AccountID string

	EC2        EC2API
	CloudWatch CloudWatchAPI
	ELB        ELBAPI
	RDS        RDSAPI
	Redshift   RedshiftAPI
	S3         S3API
	ECR        ECRAPI
	SageMaker  SageMakerAPI
}

// SessionOption configures NewSession.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	endpoint       string
	verifyIdentity bool
}

// WithEndpoint points every client at a custom endpoint (LocalStack).
func WithEndpoint(url string) SessionOption {
	return func(o *sessionOptions) { o.endpoint = url }
}

// WithIdentityCheck calls sts:GetCallerIdentity and records the account.
func WithIdentityCheck() SessionOption {
	return func(o *sessionOptions) { o.verifyIdentity = true }
}

// LoadConfig resolves credentials for creds in region. Static keys win
// over a profile; a role ARN is assumed on top of either, with the
// connection's external id.
func LoadConfig(ctx context.Context, creds scanner.Credentials, region string, opts ...SessionOption) (aws.Config, error) {
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if creds.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(creds.Profile))
	}
	if creds.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)))
	}

	// Check for local endpoint overrides (used for mocking/testing).
	endpoint := o.endpoint
	if endpoint == "" {
		endpoint = os.Getenv("AWS_ENDPOINT_URL")
	}
	if endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load SDK config: %w", err)
	}

	if creds.RoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), creds.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "reaper-" + creds.ConnectionID
			if creds.ExternalID != "" {
				o.ExternalID = aws.String(creds.ExternalID)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	cfg.APIOptions = append(cfg.APIOptions, userAgentMiddleware)
	return cfg, nil
}

// userAgentMiddleware tags requests so customers can attribute API calls.
func userAgentMiddleware(stack *middleware.Stack) error {
	return stack.Build.Add(middleware.BuildMiddlewareFunc("ReaperUserAgent", func(ctx context.Context, input middleware.BuildInput, next middleware.BuildHandler) (
		middleware.BuildOutput, middleware.Metadata, error,
	) {
		if req, ok := input.Request.(*smithyhttp.Request); ok {
			current := req.Header.Get("User-Agent")
			if current == "" {
				req.Header.Set("User-Agent", userAgent)
			} else {
				req.Header.Set("User-Agent", current+" "+userAgent)
			}
		}
		return next.HandleBuild(ctx, input)
	}), middleware.After)
}

// NewSession initializes a new authenticated AWS session.
func NewSession(ctx context.Context, creds scanner.Credentials, region string, opts ...SessionOption) (*Session, error) {
	cfg, err := LoadConfig(ctx, creds, region, opts...)
	if err != nil {
		return nil, err
	}
	s := NewSessionFromConfig(cfg)

	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.verifyIdentity {
		out, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return nil, fmt.Errorf("failed to get caller identity: %w", err)
		}
		s.AccountID = aws.ToString(out.Account)
	}
	return s, nil
}

// NewSessionFromConfig builds the clients from an already resolved config.
func NewSessionFromConfig(cfg aws.Config) *Session {
	return &Session{
		Config:     cfg,
		EC2:        ec2.NewFromConfig(cfg),
		CloudWatch: cloudwatch.NewFromConfig(cfg),
		ELB:        elasticloadbalancingv2.NewFromConfig(cfg),
		RDS:        rds.NewFromConfig(cfg),
		Redshift:   redshift.NewFromConfig(cfg),
		S3:         s3.NewFromConfig(cfg),
		ECR:        ecr.NewFromConfig(cfg),
		SageMaker:  sagemaker.NewFromConfig(cfg),
	}
}

// Detector connects AWS connections for the orchestrator.
type Detector struct {
	Options []SessionOption
}

func (Detector) ProviderName() resources.Provider { return resources.ProviderAWS }

func (d Detector) Connect(ctx context.Context, creds scanner.Credentials, region string) (scanner.Session, error) {
	return NewSession(ctx, creds, region, d.Options...)
}

// sessionFrom extracts the AWS session a plugin was handed.
func sessionFrom(in scanner.Input) (*Session, error) {
	s, ok := in.Session.(*Session)
	if !ok || s == nil {
		return nil, fmt.Errorf("aws: unexpected session type %T", in.Session)
	}
	return s, nil
}
