package resources

import "fmt"

// ActionKind is the remediation a candidate recommends.
type ActionKind string

const (
	ActionDeleteVolume            ActionKind = "delete_volume"
	ActionDeleteSnapshot          ActionKind = "delete_snapshot"
	ActionReleaseElasticIP        ActionKind = "release_elastic_ip"
	ActionStopInstance            ActionKind = "stop_instance"
	ActionTerminateInstance       ActionKind = "terminate_instance"
	ActionDeleteS3Bucket          ActionKind = "delete_s3_bucket"
	ActionDeleteECRImage          ActionKind = "delete_ecr_image"
	ActionDeleteSageMakerEndpoint ActionKind = "delete_sagemaker_endpoint"
	ActionDeleteRedshiftCluster   ActionKind = "delete_redshift_cluster"
	ActionDeleteLoadBalancer      ActionKind = "delete_load_balancer"
	ActionStopRDSInstance         ActionKind = "stop_rds_instance"
	ActionDeleteRDSInstance       ActionKind = "delete_rds_instance"
	ActionDeleteNATGateway        ActionKind = "delete_nat_gateway"
	ActionResizeInstance          ActionKind = "resize_instance"
	ActionManualReview            ActionKind = "manual_review"
)

var allActions = []ActionKind{
	ActionDeleteVolume,
	ActionDeleteSnapshot,
	ActionReleaseElasticIP,
	ActionStopInstance,
	ActionTerminateInstance,
	ActionDeleteS3Bucket,
	ActionDeleteECRImage,
	ActionDeleteSageMakerEndpoint,
	ActionDeleteRedshiftCluster,
	ActionDeleteLoadBalancer,
	ActionStopRDSInstance,
	ActionDeleteRDSInstance,
	ActionDeleteNATGateway,
	ActionResizeInstance,
	ActionManualReview,
}

// Actions returns every known action kind.
func Actions() []ActionKind {
	out := make([]ActionKind, len(allActions))
	copy(out, allActions)
	return out
}

// ParseAction converts a stored or user supplied string into an ActionKind.
func ParseAction(s string) (ActionKind, error) {
	for _, a := range allActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// BackupEligible reports whether a backup can be taken before the action runs.
func (a ActionKind) BackupEligible() bool {
	switch a {
	case ActionDeleteVolume, ActionDeleteRDSInstance, ActionDeleteRedshiftCluster:
		return true
	}
	return false
}

// Executable is false for advisory actions that no remediator carries out.
func (a ActionKind) Executable() bool {
	switch a {
	case ActionResizeInstance, ActionManualReview, "":
		return false
	}
	return true
}

// Destructive reports whether the action removes data or the resource itself.
func (a ActionKind) Destructive() bool {
	switch a {
	case ActionStopInstance, ActionStopRDSInstance, ActionResizeInstance, ActionManualReview:
		return false
	}
	return a != ""
}

func (a ActionKind) String() string { return string(a) }
