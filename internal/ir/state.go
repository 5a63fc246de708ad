package ir

// TargetState is the persisted record of the last successful deployment of a target.
type TargetState struct {
	LogicalAccountID      string   `json:"logicalAccountId"`
	AccountID             string   `json:"accountId"`
	Region                string   `json:"region"`
	StackName             string   `json:"stackName"`
	LastCommittedHash     string   `json:"lastCommittedHash"`
	DependsOnAccounts     []string `json:"dependsOnAccounts,omitempty"`
	DependsOnRegions      []string `json:"dependsOnRegions,omitempty"`
	TerminationProtection bool     `json:"terminationProtection,omitempty"`
	LastUpdated           string   `json:"lastUpdated,omitempty"`
}

// Target returns the identity the record belongs to.
func (s *TargetState) Target() Target {
	return Target{
		LogicalAccountID: s.LogicalAccountID,
		AccountID:        s.AccountID,
		Region:           s.Region,
		StackName:        s.StackName,
	}
}
