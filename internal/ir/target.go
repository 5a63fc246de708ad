package ir

import "fmt"

// Target identifies a deployable unit: one stack in one account and region.
// Targets are compared structurally and used as state keys.
type Target struct {
	LogicalAccountID string `json:"logicalAccountId"`
	AccountID        string `json:"accountId"`
	Region           string `json:"region"`
	StackName        string `json:"stackName"`
}

// String renders the target for logs and errors.
func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", t.StackName, t.AccountID, t.Region, t.LogicalAccountID)
}

// Key is the state key of a target. The logical account id is a label, not
// part of the identity of the deployed stack.
func (t Target) Key() TargetKey {
	return TargetKey{AccountID: t.AccountID, Region: t.Region, StackName: t.StackName}
}

// TargetKey addresses a stack instance in persisted state.
type TargetKey struct {
	AccountID string
	Region    string
	StackName string
}
