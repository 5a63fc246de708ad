package ir

// DesiredStack is the bound, hash-bearing intended state of one target.
type DesiredStack struct {
	Target                Target
	Hash                  string
	TemplateBody          string
	Parameters            map[string]string
	TerminationProtection bool

	// DependsOnAccounts lists logical account ids whose instance of the same
	// stack (any region) must be deployed first.
	DependsOnAccounts []string
	// DependsOnRegions lists regions whose instance of the same stack in the
	// same account must be deployed first.
	DependsOnRegions []string
}
