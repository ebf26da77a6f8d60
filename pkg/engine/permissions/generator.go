package permissions

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/DrSkyle/reaper/pkg/resources"
)

type PolicyDocument struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

type Statement struct {
	Sid      string   `json:"Sid"`
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource string   `json:"Resource"`
}

// Options selects what the generated policy grants.
type Options struct {
	// Categories limits the read statement to these scan categories. Empty
	// means every category in Catalog.
	Categories []string
	// Remediation adds a second statement with the write actions for the
	// remediation kinds the selected categories can recommend.
	Remediation bool
}

// categoryActions is the remediation each scan category can recommend.
var categoryActions = map[string][]resources.ActionKind{
	"unattached_volumes":       {resources.ActionDeleteVolume},
	"old_snapshots":            {resources.ActionDeleteSnapshot},
	"unassociated_eips":        {resources.ActionReleaseElasticIP},
	"idle_instances":           {resources.ActionStopInstance, resources.ActionTerminateInstance},
	"stopped_instances":        {resources.ActionTerminateInstance},
	"idle_nat_gateways":        {resources.ActionDeleteNATGateway},
	"idle_load_balancers":      {resources.ActionDeleteLoadBalancer},
	"idle_rds_instances":       {resources.ActionStopRDSInstance, resources.ActionDeleteRDSInstance},
	"idle_redshift_clusters":   {resources.ActionDeleteRedshiftCluster},
	"empty_s3_buckets":         {resources.ActionDeleteS3Bucket},
	"stale_ecr_images":         {resources.ActionDeleteECRImage},
	"idle_sagemaker_endpoints": {resources.ActionDeleteSageMakerEndpoint},
}

// Build assembles a least-privilege policy. Unknown categories are an error
// so a typo never silently narrows the policy.
func Build(opts Options) (PolicyDocument, error) {
	categories := opts.Categories
	if len(categories) == 0 {
		categories = Categories()
	}

	read := make(map[string]bool)
	write := make(map[string]bool)
	for _, p := range CorePermissions() {
		read[p] = true
	}
	for _, c := range categories {
		perms, ok := Catalog[c]
		if !ok {
			return PolicyDocument{}, fmt.Errorf("unknown scan category %q", c)
		}
		for _, p := range perms {
			read[p] = true
		}
		if !opts.Remediation {
			continue
		}
		for _, kind := range categoryActions[c] {
			for _, p := range Remediation[kind] {
				write[p] = true
			}
		}
	}

	policy := PolicyDocument{
		Version: "2012-10-17",
		Statement: []Statement{{
			Sid:      "ReaperReadOnly",
			Effect:   "Allow",
			Action:   sorted(read),
			Resource: "*",
		}},
	}
	if len(write) > 0 {
		policy.Statement = append(policy.Statement, Statement{
			Sid:      "ReaperRemediation",
			Effect:   "Allow",
			Action:   sorted(write),
			Resource: "*",
		})
	}
	return policy, nil
}

// GeneratePolicy renders Build's policy as indented JSON.
func GeneratePolicy(opts Options) ([]byte, error) {
	policy, err := Build(opts)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(policy, "", "  ")
}

// Categories lists every known scan category in order.
func Categories() []string {
	out := make([]string, 0, len(Catalog))
	for c := range Catalog {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func sorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
