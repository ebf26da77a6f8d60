package aws

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
)

// calls records method names in order; shared by the mocks of one test.
type calls struct {
	mu    sync.Mutex
	names []string
}

func (c *calls) add(name string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

type MockEC2Client struct {
	Calls *calls

	DescribeInstancesFunc   func(ctx context.Context, params *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	DescribeVolumesFunc     func(ctx context.Context, params *ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error)
	DescribeNatGatewaysFunc func(ctx context.Context, params *ec2.DescribeNatGatewaysInput) (*ec2.DescribeNatGatewaysOutput, error)
	DescribeAddressesFunc   func(ctx context.Context, params *ec2.DescribeAddressesInput) (*ec2.DescribeAddressesOutput, error)
	DescribeSnapshotsFunc   func(ctx context.Context, params *ec2.DescribeSnapshotsInput) (*ec2.DescribeSnapshotsOutput, error)
	DescribeImagesFunc      func(ctx context.Context, params *ec2.DescribeImagesInput) (*ec2.DescribeImagesOutput, error)

	CreateSnapshotFunc func(ctx context.Context, params *ec2.CreateSnapshotInput) (*ec2.CreateSnapshotOutput, error)
	DeleteVolumeFunc   func(ctx context.Context, params *ec2.DeleteVolumeInput) (*ec2.DeleteVolumeOutput, error)
}

func (m *MockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.Calls.add("DescribeInstances")
	if m.DescribeInstancesFunc != nil {
		return m.DescribeInstancesFunc(ctx, params)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (m *MockEC2Client) DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	m.Calls.add("DescribeVolumes")
	if m.DescribeVolumesFunc != nil {
		return m.DescribeVolumesFunc(ctx, params)
	}
	return &ec2.DescribeVolumesOutput{}, nil
}

func (m *MockEC2Client) DescribeNatGateways(ctx context.Context, params *ec2.DescribeNatGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error) {
	m.Calls.add("DescribeNatGateways")
	if m.DescribeNatGatewaysFunc != nil {
		return m.DescribeNatGatewaysFunc(ctx, params)
	}
	return &ec2.DescribeNatGatewaysOutput{}, nil
}

func (m *MockEC2Client) DescribeAddresses(ctx context.Context, params *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	m.Calls.add("DescribeAddresses")
	if m.DescribeAddressesFunc != nil {
		return m.DescribeAddressesFunc(ctx, params)
	}
	return &ec2.DescribeAddressesOutput{}, nil
}

func (m *MockEC2Client) DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	m.Calls.add("DescribeSnapshots")
	if m.DescribeSnapshotsFunc != nil {
		return m.DescribeSnapshotsFunc(ctx, params)
	}
	return &ec2.DescribeSnapshotsOutput{}, nil
}

func (m *MockEC2Client) DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	m.Calls.add("DescribeImages")
	if m.DescribeImagesFunc != nil {
		return m.DescribeImagesFunc(ctx, params)
	}
	return &ec2.DescribeImagesOutput{}, nil
}

func (m *MockEC2Client) CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error) {
	m.Calls.add("CreateSnapshot")
	if m.CreateSnapshotFunc != nil {
		return m.CreateSnapshotFunc(ctx, params)
	}
	return &ec2.CreateSnapshotOutput{}, nil
}

func (m *MockEC2Client) DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	m.Calls.add("DeleteVolume")
	if m.DeleteVolumeFunc != nil {
		return m.DeleteVolumeFunc(ctx, params)
	}
	return &ec2.DeleteVolumeOutput{}, nil
}

func (m *MockEC2Client) DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	m.Calls.add("DeleteSnapshot")
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (m *MockEC2Client) ReleaseAddress(ctx context.Context, params *ec2.ReleaseAddressInput, optFns ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error) {
	m.Calls.add("ReleaseAddress")
	return &ec2.ReleaseAddressOutput{}, nil
}

func (m *MockEC2Client) StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	m.Calls.add("StopInstances")
	return &ec2.StopInstancesOutput{}, nil
}

func (m *MockEC2Client) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.Calls.add("TerminateInstances")
	return &ec2.TerminateInstancesOutput{}, nil
}

func (m *MockEC2Client) DeleteNatGateway(ctx context.Context, params *ec2.DeleteNatGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNatGatewayOutput, error) {
	m.Calls.add("DeleteNatGateway")
	return &ec2.DeleteNatGatewayOutput{}, nil
}

type MockCloudWatchClient struct {
	GetMetricStatisticsFunc func(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput) (*cloudwatch.GetMetricStatisticsOutput, error)
}

func (m *MockCloudWatchClient) GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	if m.GetMetricStatisticsFunc != nil {
		return m.GetMetricStatisticsFunc(ctx, params)
	}
	return &cloudwatch.GetMetricStatisticsOutput{}, nil
}

type MockELBClient struct {
	DescribeLoadBalancersFunc func(ctx context.Context, params *elbv2.DescribeLoadBalancersInput) (*elbv2.DescribeLoadBalancersOutput, error)
	DescribeTagsFunc          func(ctx context.Context, params *elbv2.DescribeTagsInput) (*elbv2.DescribeTagsOutput, error)
}

func (m *MockELBClient) DescribeLoadBalancers(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error) {
	if m.DescribeLoadBalancersFunc != nil {
		return m.DescribeLoadBalancersFunc(ctx, params)
	}
	return &elbv2.DescribeLoadBalancersOutput{}, nil
}

func (m *MockELBClient) DescribeTags(ctx context.Context, params *elbv2.DescribeTagsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTagsOutput, error) {
	if m.DescribeTagsFunc != nil {
		return m.DescribeTagsFunc(ctx, params)
	}
	return &elbv2.DescribeTagsOutput{}, nil
}

type MockRDSClient struct {
	Calls *calls

	DescribeDBInstancesFunc func(ctx context.Context, params *rds.DescribeDBInstancesInput) (*rds.DescribeDBInstancesOutput, error)
	CreateDBSnapshotFunc    func(ctx context.Context, params *rds.CreateDBSnapshotInput) (*rds.CreateDBSnapshotOutput, error)
	DeleteDBInstanceFunc    func(ctx context.Context, params *rds.DeleteDBInstanceInput) (*rds.DeleteDBInstanceOutput, error)
	SnapshotStatus          string
}

func (m *MockRDSClient) DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	if m.DescribeDBInstancesFunc != nil {
		return m.DescribeDBInstancesFunc(ctx, params)
	}
	return &rds.DescribeDBInstancesOutput{}, nil
}

func (m *MockRDSClient) CreateDBSnapshot(ctx context.Context, params *rds.CreateDBSnapshotInput, optFns ...func(*rds.Options)) (*rds.CreateDBSnapshotOutput, error) {
	m.Calls.add("CreateDBSnapshot")
	if m.CreateDBSnapshotFunc != nil {
		return m.CreateDBSnapshotFunc(ctx, params)
	}
	return &rds.CreateDBSnapshotOutput{}, nil
}

func (m *MockRDSClient) StopDBInstance(ctx context.Context, params *rds.StopDBInstanceInput, optFns ...func(*rds.Options)) (*rds.StopDBInstanceOutput, error) {
	m.Calls.add("StopDBInstance")
	return &rds.StopDBInstanceOutput{}, nil
}

func (m *MockRDSClient) DeleteDBInstance(ctx context.Context, params *rds.DeleteDBInstanceInput, optFns ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error) {
	m.Calls.add("DeleteDBInstance")
	if m.DeleteDBInstanceFunc != nil {
		return m.DeleteDBInstanceFunc(ctx, params)
	}
	return &rds.DeleteDBInstanceOutput{}, nil
}

type MockRedshiftClient struct {
	DescribeClustersFunc func(ctx context.Context, params *redshift.DescribeClustersInput) (*redshift.DescribeClustersOutput, error)
}

func (m *MockRedshiftClient) DescribeClusters(ctx context.Context, params *redshift.DescribeClustersInput, optFns ...func(*redshift.Options)) (*redshift.DescribeClustersOutput, error) {
	if m.DescribeClustersFunc != nil {
		return m.DescribeClustersFunc(ctx, params)
	}
	return &redshift.DescribeClustersOutput{}, nil
}

type MockS3Client struct {
	ListBucketsFunc        func(ctx context.Context, params *s3.ListBucketsInput) (*s3.ListBucketsOutput, error)
	GetBucketLocationFunc  func(ctx context.Context, params *s3.GetBucketLocationInput) (*s3.GetBucketLocationOutput, error)
	ListObjectsV2Func      func(ctx context.Context, params *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error)
	ListObjectVersionsFunc func(ctx context.Context, params *s3.ListObjectVersionsInput) (*s3.ListObjectVersionsOutput, error)
}

func (m *MockS3Client) ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	if m.ListBucketsFunc != nil {
		return m.ListBucketsFunc(ctx, params)
	}
	return &s3.ListBucketsOutput{}, nil
}

func (m *MockS3Client) GetBucketLocation(ctx context.Context, params *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error) {
	if m.GetBucketLocationFunc != nil {
		return m.GetBucketLocationFunc(ctx, params)
	}
	return &s3.GetBucketLocationOutput{}, nil
}

func (m *MockS3Client) GetBucketTagging(ctx context.Context, params *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	return &s3.GetBucketTaggingOutput{}, nil
}

func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.ListObjectsV2Func != nil {
		return m.ListObjectsV2Func(ctx, params)
	}
	return &s3.ListObjectsV2Output{}, nil
}

func (m *MockS3Client) ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	if m.ListObjectVersionsFunc != nil {
		return m.ListObjectVersionsFunc(ctx, params)
	}
	return &s3.ListObjectVersionsOutput{}, nil
}

type MockECRClient struct {
	DescribeRepositoriesFunc func(ctx context.Context, params *ecr.DescribeRepositoriesInput) (*ecr.DescribeRepositoriesOutput, error)
	DescribeImagesFunc       func(ctx context.Context, params *ecr.DescribeImagesInput) (*ecr.DescribeImagesOutput, error)
}

func (m *MockECRClient) DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	if m.DescribeRepositoriesFunc != nil {
		return m.DescribeRepositoriesFunc(ctx, params)
	}
	return &ecr.DescribeRepositoriesOutput{}, nil
}

func (m *MockECRClient) DescribeImages(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error) {
	if m.DescribeImagesFunc != nil {
		return m.DescribeImagesFunc(ctx, params)
	}
	return &ecr.DescribeImagesOutput{}, nil
}

type MockSageMakerClient struct{}

func (MockSageMakerClient) ListEndpoints(ctx context.Context, params *sagemaker.ListEndpointsInput, optFns ...func(*sagemaker.Options)) (*sagemaker.ListEndpointsOutput, error) {
	return &sagemaker.ListEndpointsOutput{}, nil
}

func (MockSageMakerClient) DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error) {
	return &sagemaker.DescribeEndpointOutput{}, nil
}

func (MockSageMakerClient) DescribeEndpointConfig(ctx context.Context, params *sagemaker.DescribeEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointConfigOutput, error) {
	return &sagemaker.DescribeEndpointConfigOutput{}, nil
}

func (MockSageMakerClient) ListTags(ctx context.Context, params *sagemaker.ListTagsInput, optFns ...func(*sagemaker.Options)) (*sagemaker.ListTagsOutput, error) {
	return &sagemaker.ListTagsOutput{}, nil
}

// mockSession wires empty mocks for every service.
func mockSession() *Session {
	return &Session{
		EC2:        &MockEC2Client{},
		CloudWatch: &MockCloudWatchClient{},
		ELB:        &MockELBClient{},
		RDS:        &MockRDSClient{},
		Redshift:   &MockRedshiftClient{},
		S3:         &MockS3Client{},
		ECR:        &MockECRClient{},
		SageMaker:  MockSageMakerClient{},
	}
}

func (m *MockRDSClient) DescribeDBSnapshots(ctx context.Context, params *rds.DescribeDBSnapshotsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error) {
	m.Calls.add("DescribeDBSnapshots")
	status := m.SnapshotStatus
	if status == "" {
		status = "available"
	}
	return &rds.DescribeDBSnapshotsOutput{
		DBSnapshots: []rdstypes.DBSnapshot{{DBSnapshotIdentifier: params.DBSnapshotIdentifier, Status: &status}},
	}, nil
}
