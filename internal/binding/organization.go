package binding

import (
	"fmt"
	"slices"
	"sort"
)

// Account is an AWS account of the organization, addressed in templates by
// its logical id.
type Account struct {
	LogicalID string
	AccountID string
	Name      string
	Master    bool
}

// Organization is the account topology a template is bound against.
type Organization struct {
	Master   *Account
	Accounts map[string]*Account
}

// Account returns the account with the given logical id, master included.
func (o *Organization) Account(logicalID string) (*Account, bool) {
	if o.Master != nil && o.Master.LogicalID == logicalID {
		return o.Master, true
	}
	a, ok := o.Accounts[logicalID]
	return a, ok
}

// LogicalIDs returns the logical ids of the member accounts, sorted.
func (o *Organization) LogicalIDs() []string {
	ids := make([]string, 0, len(o.Accounts))
	for id := range o.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func parseOrganization(section any) (*Organization, error) {
	m, ok := section.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a mapping", sectionOrganization)
	}

	org := &Organization{Accounts: make(map[string]*Account)}
	seen := make(map[string]string)
	for id, raw := range m {
		def, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("organization resource %s must be a mapping", id)
		}
		typ, _ := def["Type"].(string)
		if typ != organizationMasterAccount && typ != organizationAccount {
			// OUs, policies and other organization resources do not host stacks.
			continue
		}

		props, _ := def["Properties"].(map[string]any)
		accountID := scalarString(props[organizationAccountIDField])
		if accountID == "" {
			return nil, fmt.Errorf("organization account %s has no %s", id, organizationAccountIDField)
		}
		if other, dup := seen[accountID]; dup {
			return nil, fmt.Errorf("organization accounts %s and %s share account id %s", other, id, accountID)
		}
		seen[accountID] = id

		acct := &Account{LogicalID: id, AccountID: accountID, Name: scalarString(props["AccountName"])}
		if typ == organizationMasterAccount {
			if org.Master != nil {
				return nil, fmt.Errorf("organization declares more than one master account (%s, %s)", org.Master.LogicalID, id)
			}
			acct.Master = true
			org.Master = acct
			continue
		}
		org.Accounts[id] = acct
	}

	if org.Master == nil {
		return nil, fmt.Errorf("organization has no %s", organizationMasterAccount)
	}
	return org, nil
}

// OrganizationBinding selects the accounts and regions a resource is deployed to.
type OrganizationBinding struct {
	AllAccounts          bool
	Accounts             []string
	ExcludeAccounts      []string
	IncludeMasterAccount bool
	Regions              []string
}

func parseBinding(v any) (*OrganizationBinding, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("organization binding must be a mapping")
	}

	b := &OrganizationBinding{}
	for k, raw := range m {
		var err error
		switch k {
		case "Account":
			if s, ok := raw.(string); ok && s == "*" {
				b.AllAccounts = true
				continue
			}
			b.Accounts, err = accountRefs(raw)
		case "ExcludeAccount":
			b.ExcludeAccounts, err = accountRefs(raw)
		case "IncludeMasterAccount":
			flag, ok := raw.(bool)
			if !ok {
				err = fmt.Errorf("must be a boolean")
			}
			b.IncludeMasterAccount = flag
		case "Region":
			b.Regions, err = stringList(raw)
		default:
			err = fmt.Errorf("unknown attribute")
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
	}
	return b, nil
}

// boundAccount is one account a binding resolves to.
type boundAccount struct {
	logicalID string
	accountID string
}

// resolve returns the accounts and regions selected by the binding.
func (b *OrganizationBinding) resolve(org *Organization) ([]boundAccount, []string, error) {
	selected := make(map[string]bool)
	if b.AllAccounts {
		for _, id := range org.LogicalIDs() {
			selected[id] = true
		}
	}
	for _, id := range b.Accounts {
		if _, ok := org.Account(id); !ok {
			return nil, nil, fmt.Errorf("account %s is not part of the organization", id)
		}
		selected[id] = true
	}
	if b.IncludeMasterAccount {
		selected[org.Master.LogicalID] = true
	}
	for _, id := range b.ExcludeAccounts {
		if _, ok := org.Account(id); !ok {
			return nil, nil, fmt.Errorf("excluded account %s is not part of the organization", id)
		}
		delete(selected, id)
	}

	if len(selected) == 0 {
		return nil, nil, nil
	}
	if len(b.Regions) == 0 {
		return nil, nil, fmt.Errorf("binding selects accounts but no region")
	}

	ids := make([]string, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	accounts := make([]boundAccount, 0, len(ids))
	for _, id := range ids {
		a, _ := org.Account(id)
		accounts = append(accounts, boundAccount{logicalID: id, accountID: a.AccountID})
	}
	regions := slices.Clone(b.Regions)
	slices.Sort(regions)
	return accounts, slices.Compact(regions), nil
}

// accountRefs reads a single !Ref, a plain logical id or a list of either.
func accountRefs(v any) ([]string, error) {
	switch t := v.(type) {
	case []any:
		var out []string
		for _, item := range t {
			refs, err := accountRefs(item)
			if err != nil {
				return nil, err
			}
			out = append(out, refs...)
		}
		return out, nil
	case map[string]any:
		ref, ok := t[intrinsicRef].(string)
		if !ok || len(t) != 1 {
			return nil, fmt.Errorf("expected an account reference (!Ref LogicalId)")
		}
		return []string{ref}, nil
	case string:
		return []string{t}, nil
	default:
		return nil, fmt.Errorf("expected an account reference, got %T", v)
	}
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or list of strings, got %T", v)
	}
}

// scalarString renders YAML scalars as strings. Unquoted account ids reach
// it as their source text, see toValue.
func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
