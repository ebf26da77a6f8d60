package aws

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	redshifttypes "github.com/aws/aws-sdk-go-v2/service/redshift/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"

	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/remediation"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// RDS and Redshift deletes must wait for the manual snapshot to finish.
type rdsBackupAPI interface {
	RDSMutator
	rds.DescribeDBSnapshotsAPIClient
}

type redshiftBackupAPI interface {
	RedshiftMutator
	redshift.DescribeClusterSnapshotsAPIClient
}

// Remediator carries out remediation requests against one AWS account and
// region. It is the only type in this package that mutates resources.
type Remediator struct {
	EC2       EC2Mutator
	ELB       ELBMutator
	RDS       rdsBackupAPI
	Redshift  redshiftBackupAPI
	S3        S3Mutator
	ECR       ECRMutator
	SageMaker SageMakerMutator

	Backoff    ratelimit.BackoffConfig
	BackupWait time.Duration
	Estimator  pricing.Estimator
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewRemediator builds a Remediator from a resolved config.
func NewRemediator(cfg aws.Config) *Remediator {
	return &Remediator{
		EC2:        ec2.NewFromConfig(cfg),
		ELB:        elbv2.NewFromConfig(cfg),
		RDS:        rds.NewFromConfig(cfg),
		Redshift:   redshift.NewFromConfig(cfg),
		S3:         s3.NewFromConfig(cfg),
		ECR:        ecr.NewFromConfig(cfg),
		SageMaker:  sagemaker.NewFromConfig(cfg),
		Backoff:    ratelimit.DefaultBackoffConfig(),
		BackupWait: 30 * time.Minute,
		Estimator:  pricing.NewCatalog(),
	}
}

var _ remediation.Remediator = (*Remediator)(nil)

func (r *Remediator) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Remediator) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// resourceName strips an ARN down to its trailing resource id.
func resourceName(id string) string {
	if strings.HasPrefix(id, "arn:") {
		parts := strings.Split(id, "/")
		return parts[len(parts)-1]
	}
	return id
}

// backupName derives a snapshot identifier valid for RDS and Redshift:
// letters, digits and single hyphens, starting with a letter.
func backupName(req *remediation.Request, at time.Time) string {
	id := strings.ReplaceAll(req.ID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return "reaper-" + id + "-" + at.UTC().Format("20060102150405")
}

func retainUntil(req *remediation.Request, at time.Time) string {
	days := req.BackupRetentionDays
	if days <= 0 {
		days = 7
	}
	return at.Add(time.Duration(days) * 24 * time.Hour).UTC().Format(time.RFC3339)
}

func retry[T any](ctx context.Context, r *Remediator, fn func(context.Context) (T, error)) (T, error) {
	return ratelimit.WithBackoff(ctx, r.Backoff, fn)
}

// CreateBackup implements remediation.Remediator.
func (r *Remediator) CreateBackup(ctx context.Context, req *remediation.Request) (remediation.BackupResult, error) {
	at := r.now()
	switch req.Action {
	case resources.ActionDeleteVolume:
		return r.snapshotVolume(ctx, req, at)
	case resources.ActionDeleteRDSInstance:
		return r.snapshotDB(ctx, req, at)
	case resources.ActionDeleteRedshiftCluster:
		return r.snapshotCluster(ctx, req, at)
	}
	return remediation.BackupResult{}, fmt.Errorf("no backup strategy for %s", req.Action)
}

// snapshotVolume creates a final snapshot before deletion.
func (r *Remediator) snapshotVolume(ctx context.Context, req *remediation.Request, at time.Time) (remediation.BackupResult, error) {
	volID := resourceName(req.ResourceID)
	resp, err := retry(ctx, r, func(ctx context.Context) (*ec2.CreateSnapshotOutput, error) {
		return r.EC2.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
			VolumeId:    aws.String(volID),
			Description: aws.String("reaper backup for remediation " + req.ID),
			TagSpecifications: []ec2types.TagSpecification{{
				ResourceType: ec2types.ResourceTypeSnapshot,
				Tags: []ec2types.Tag{
					{Key: aws.String("CreatedBy"), Value: aws.String("reaper")},
					{Key: aws.String("SourceVolume"), Value: aws.String(volID)},
					{Key: aws.String("reaper:request-id"), Value: aws.String(req.ID)},
					{Key: aws.String(RetainUntilTag), Value: aws.String(retainUntil(req, at))},
				},
			}},
		})
	})
	if err != nil {
		return remediation.BackupResult{}, fmt.Errorf("create snapshot of %s: %w", volID, err)
	}
	if aws.ToString(resp.SnapshotId) == "" {
		return remediation.BackupResult{}, fmt.Errorf("create snapshot of %s: no snapshot id returned", volID)
	}
	size, _ := strconv.ParseFloat(req.Metadata["size_gb"], 64)
	return remediation.BackupResult{
		ResourceID:   aws.ToString(resp.SnapshotId),
		CostEstimate: r.Estimator.EstimateMonthlyWaste(resources.ProviderAWS, resources.EC2Snapshot, pricing.FormatSize("", size), req.Region),
	}, nil
}

func (r *Remediator) snapshotDB(ctx context.Context, req *remediation.Request, at time.Time) (remediation.BackupResult, error) {
	name := backupName(req, at)
	_, err := retry(ctx, r, func(ctx context.Context) (*rds.CreateDBSnapshotOutput, error) {
		return r.RDS.CreateDBSnapshot(ctx, &rds.CreateDBSnapshotInput{
			DBInstanceIdentifier: aws.String(req.ResourceID),
			DBSnapshotIdentifier: aws.String(name),
			Tags: []rdstypes.Tag{
				{Key: aws.String("reaper:request-id"), Value: aws.String(req.ID)},
				{Key: aws.String(RetainUntilTag), Value: aws.String(retainUntil(req, at))},
			},
		})
	})
	if err != nil {
		return remediation.BackupResult{}, fmt.Errorf("create db snapshot of %s: %w", req.ResourceID, err)
	}

	waiter := rds.NewDBSnapshotAvailableWaiter(r.RDS)
	if err := waiter.Wait(ctx, &rds.DescribeDBSnapshotsInput{DBSnapshotIdentifier: aws.String(name)}, r.backupWait()); err != nil {
		return remediation.BackupResult{}, fmt.Errorf("wait for db snapshot %s: %w", name, err)
	}
	size, _ := strconv.ParseFloat(req.Metadata["allocated_storage"], 64)
	return remediation.BackupResult{
		ResourceID:   name,
		CostEstimate: r.Estimator.EstimateMonthlyWaste(resources.ProviderAWS, resources.EC2Snapshot, pricing.FormatSize("", size), req.Region),
	}, nil
}

func (r *Remediator) snapshotCluster(ctx context.Context, req *remediation.Request, at time.Time) (remediation.BackupResult, error) {
	name := backupName(req, at)
	_, err := retry(ctx, r, func(ctx context.Context) (*redshift.CreateClusterSnapshotOutput, error) {
		return r.Redshift.CreateClusterSnapshot(ctx, &redshift.CreateClusterSnapshotInput{
			ClusterIdentifier:  aws.String(req.ResourceID),
			SnapshotIdentifier: aws.String(name),
			Tags: []redshifttypes.Tag{
				{Key: aws.String("reaper:request-id"), Value: aws.String(req.ID)},
				{Key: aws.String(RetainUntilTag), Value: aws.String(retainUntil(req, at))},
			},
		})
	})
	if err != nil {
		return remediation.BackupResult{}, fmt.Errorf("create cluster snapshot of %s: %w", req.ResourceID, err)
	}

	waiter := redshift.NewSnapshotAvailableWaiter(r.Redshift)
	input := &redshift.DescribeClusterSnapshotsInput{
		ClusterIdentifier:  aws.String(req.ResourceID),
		SnapshotIdentifier: aws.String(name),
	}
	if err := waiter.Wait(ctx, input, r.backupWait()); err != nil {
		return remediation.BackupResult{}, fmt.Errorf("wait for cluster snapshot %s: %w", name, err)
	}
	return remediation.BackupResult{ResourceID: name}, nil
}

func (r *Remediator) backupWait() time.Duration {
	if r.BackupWait > 0 {
		return r.BackupWait
	}
	return 30 * time.Minute
}

// Execute implements remediation.Remediator.
func (r *Remediator) Execute(ctx context.Context, req *remediation.Request) error {
	id := req.ResourceID
	var err error
	switch req.Action {
	case resources.ActionDeleteVolume:
		_, err = retry(ctx, r, func(ctx context.Context) (*ec2.DeleteVolumeOutput, error) {
			return r.EC2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(resourceName(id))})
		})
	case resources.ActionDeleteSnapshot:
		_, err = retry(ctx, r, func(ctx context.Context) (*ec2.DeleteSnapshotOutput, error) {
			return r.EC2.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(resourceName(id))})
		})
	case resources.ActionReleaseElasticIP:
		input := &ec2.ReleaseAddressInput{AllocationId: aws.String(id)}
		if !strings.HasPrefix(id, "eipalloc-") {
			input = &ec2.ReleaseAddressInput{PublicIp: aws.String(id)}
		}
		_, err = retry(ctx, r, func(ctx context.Context) (*ec2.ReleaseAddressOutput, error) {
			return r.EC2.ReleaseAddress(ctx, input)
		})
	case resources.ActionStopInstance:
		_, err = retry(ctx, r, func(ctx context.Context) (*ec2.StopInstancesOutput, error) {
			return r.EC2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{resourceName(id)}})
		})
	case resources.ActionTerminateInstance:
		_, err = retry(ctx, r, func(ctx context.Context) (*ec2.TerminateInstancesOutput, error) {
			return r.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{resourceName(id)}})
		})
	case resources.ActionDeleteNATGateway:
		_, err = retry(ctx, r, func(ctx context.Context) (*ec2.DeleteNatGatewayOutput, error) {
			return r.EC2.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: aws.String(resourceName(id))})
		})
	case resources.ActionDeleteLoadBalancer:
		_, err = retry(ctx, r, func(ctx context.Context) (*elbv2.DeleteLoadBalancerOutput, error) {
			return r.ELB.DeleteLoadBalancer(ctx, &elbv2.DeleteLoadBalancerInput{LoadBalancerArn: aws.String(id)})
		})
	case resources.ActionStopRDSInstance:
		_, err = retry(ctx, r, func(ctx context.Context) (*rds.StopDBInstanceOutput, error) {
			return r.RDS.StopDBInstance(ctx, &rds.StopDBInstanceInput{DBInstanceIdentifier: aws.String(id)})
		})
	case resources.ActionDeleteRDSInstance:
		err = r.deleteDB(ctx, req)
	case resources.ActionDeleteRedshiftCluster:
		err = r.deleteCluster(ctx, req)
	case resources.ActionDeleteS3Bucket:
		_, err = retry(ctx, r, func(ctx context.Context) (*s3.DeleteBucketOutput, error) {
			return r.S3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(id)})
		})
	case resources.ActionDeleteECRImage:
		err = r.deleteImage(ctx, id)
	case resources.ActionDeleteSageMakerEndpoint:
		_, err = retry(ctx, r, func(ctx context.Context) (*sagemaker.DeleteEndpointOutput, error) {
			return r.SageMaker.DeleteEndpoint(ctx, &sagemaker.DeleteEndpointInput{EndpointName: aws.String(id)})
		})
	default:
		return fmt.Errorf("aws remediator cannot perform %s", req.Action)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Action, id, err)
	}
	r.log().Info("aws remediation applied", "action", req.Action, "resource_id", id, "region", req.Region)
	return nil
}

// deleteDB keeps a final snapshot unless a backup was already taken.
func (r *Remediator) deleteDB(ctx context.Context, req *remediation.Request) error {
	input := &rds.DeleteDBInstanceInput{DBInstanceIdentifier: aws.String(req.ResourceID)}
	if req.BackupResourceID != "" {
		input.SkipFinalSnapshot = aws.Bool(true)
	} else {
		input.FinalDBSnapshotIdentifier = aws.String(backupName(req, r.now()) + "-final")
	}
	_, err := retry(ctx, r, func(ctx context.Context) (*rds.DeleteDBInstanceOutput, error) {
		return r.RDS.DeleteDBInstance(ctx, input)
	})
	return err
}

func (r *Remediator) deleteCluster(ctx context.Context, req *remediation.Request) error {
	input := &redshift.DeleteClusterInput{ClusterIdentifier: aws.String(req.ResourceID)}
	if req.BackupResourceID != "" {
		input.SkipFinalClusterSnapshot = aws.Bool(true)
	} else {
		input.FinalClusterSnapshotIdentifier = aws.String(backupName(req, r.now()) + "-final")
	}
	_, err := retry(ctx, r, func(ctx context.Context) (*redshift.DeleteClusterOutput, error) {
		return r.Redshift.DeleteCluster(ctx, input)
	})
	return err
}

func (r *Remediator) deleteImage(ctx context.Context, id string) error {
	repo, digest, ok := SplitImageID(id)
	if !ok {
		return fmt.Errorf("malformed image id %q", id)
	}
	resp, err := retry(ctx, r, func(ctx context.Context) (*ecr.BatchDeleteImageOutput, error) {
		return r.ECR.BatchDeleteImage(ctx, &ecr.BatchDeleteImageInput{
			RepositoryName: aws.String(repo),
			ImageIds:       []ecrtypes.ImageIdentifier{{ImageDigest: aws.String(digest)}},
		})
	})
	if err != nil {
		return err
	}
	if len(resp.Failures) > 0 {
		f := resp.Failures[0]
		return fmt.Errorf("%s: %s", f.FailureCode, aws.ToString(f.FailureReason))
	}
	return nil
}
