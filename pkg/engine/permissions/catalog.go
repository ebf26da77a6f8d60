package permissions

import "github.com/DrSkyle/reaper/pkg/resources"

// Catalog maps each AWS scan category to the read-only IAM actions its
// plugin calls.
var Catalog = map[string][]string{
	"unattached_volumes": {
		"ec2:DescribeVolumes",
	},
	"old_snapshots": {
		"ec2:DescribeSnapshots",
		"ec2:DescribeImages",
	},
	"unassociated_eips": {
		"ec2:DescribeAddresses",
	},
	"idle_instances": {
		"ec2:DescribeInstances",
		"cloudwatch:GetMetricStatistics",
	},
	"stopped_instances": {
		"ec2:DescribeInstances",
		"ec2:DescribeVolumes",
	},
	"idle_nat_gateways": {
		"ec2:DescribeNatGateways",
		"cloudwatch:GetMetricStatistics",
	},
	"idle_load_balancers": {
		"elasticloadbalancing:DescribeLoadBalancers",
		"elasticloadbalancing:DescribeTags",
		"cloudwatch:GetMetricStatistics",
	},
	"idle_rds_instances": {
		"rds:DescribeDBInstances",
		"cloudwatch:GetMetricStatistics",
	},
	"idle_redshift_clusters": {
		"redshift:DescribeClusters",
		"cloudwatch:GetMetricStatistics",
	},
	"empty_s3_buckets": {
		"s3:ListAllMyBuckets",
		"s3:GetBucketLocation",
		"s3:GetBucketTagging",
		"s3:ListBucket",
		"s3:ListBucketVersions",
	},
	"stale_ecr_images": {
		"ecr:DescribeRepositories",
		"ecr:DescribeImages",
	},
	"idle_sagemaker_endpoints": {
		"sagemaker:ListEndpoints",
		"sagemaker:DescribeEndpoint",
		"sagemaker:DescribeEndpointConfig",
		"sagemaker:ListTags",
		"cloudwatch:GetMetricStatistics",
	},
}

// Remediation maps each action the AWS remediator can take to the IAM
// actions needed for its backup and the change itself.
var Remediation = map[resources.ActionKind][]string{
	resources.ActionDeleteVolume:            {"ec2:CreateSnapshot", "ec2:CreateTags", "ec2:DeleteVolume"},
	resources.ActionDeleteSnapshot:          {"ec2:DeleteSnapshot"},
	resources.ActionReleaseElasticIP:        {"ec2:ReleaseAddress"},
	resources.ActionStopInstance:            {"ec2:StopInstances"},
	resources.ActionTerminateInstance:       {"ec2:TerminateInstances"},
	resources.ActionDeleteNATGateway:        {"ec2:DeleteNatGateway"},
	resources.ActionDeleteLoadBalancer:      {"elasticloadbalancing:DeleteLoadBalancer"},
	resources.ActionStopRDSInstance:         {"rds:StopDBInstance"},
	resources.ActionDeleteRDSInstance:       {"rds:CreateDBSnapshot", "rds:AddTagsToResource", "rds:DescribeDBSnapshots", "rds:DeleteDBInstance"},
	resources.ActionDeleteRedshiftCluster:   {"redshift:CreateClusterSnapshot", "redshift:CreateTags", "redshift:DescribeClusterSnapshots", "redshift:DeleteCluster"},
	resources.ActionDeleteS3Bucket:          {"s3:DeleteBucket"},
	resources.ActionDeleteECRImage:          {"ecr:BatchDeleteImage"},
	resources.ActionDeleteSageMakerEndpoint: {"sagemaker:DeleteEndpoint"},
}

// CorePermissions returns the actions needed for any AWS connection, whatever
// the categories: identity checks and live pricing.
func CorePermissions() []string {
	return []string{
		"sts:GetCallerIdentity",
		"pricing:GetProducts",
		"ce:GetCostAndUsage",
	}
}
