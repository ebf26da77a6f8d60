package resources

// Provider identifies a cloud provider.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
	ProviderGCP   Provider = "gcp"
)

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAWS, ProviderAzure, ProviderGCP:
		return true
	}
	return false
}

func (p Provider) String() string { return string(p) }

// AWS Resource Types
const (
	EC2Instance       = "AWS::EC2::Instance"
	EC2Volume         = "AWS::EC2::Volume"
	EC2Snapshot       = "AWS::EC2::Snapshot"
	EC2NatGateway     = "AWS::EC2::NatGateway"
	EC2EIP            = "AWS::EC2::EIP"
	S3Bucket          = "AWS::S3::Bucket"
	RDSInstance       = "AWS::RDS::DBInstance"
	RedshiftCluster   = "AWS::Redshift::Cluster"
	ECRImage          = "AWS::ECR::Image"
	LoadBalancer      = "AWS::ElasticLoadBalancingV2::LoadBalancer"
	SageMakerEndpoint = "AWS::SageMaker::Endpoint"
)

// Azure Resource Types
const (
	AzureManagedDisk    = "Microsoft.Compute/disks"
	AzureVirtualMachine = "Microsoft.Compute/virtualMachines"
	AzurePublicIP       = "Microsoft.Network/publicIPAddresses"
)

// GCP Resource Types
const (
	GCPDisk     = "compute.googleapis.com/Disk"
	GCPAddress  = "compute.googleapis.com/Address"
	GCPInstance = "compute.googleapis.com/Instance"
)
