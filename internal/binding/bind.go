package binding

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/picklr-io/orgform/internal/ir"
)

var stackNamePattern = regexp.MustCompile(`^[A-Za-z][-A-Za-z0-9]{0,127}$`)

// Options are the per-invocation inputs of a binding.
type Options struct {
	StackName             string
	Parameters            map[string]string
	TerminationProtection bool
}

type targetBuild struct {
	account           boundAccount
	region            string
	resources         map[string]any
	dependsOnAccounts map[string]bool
	dependsOnRegions  map[string]bool
}

// Bind resolves the organization bindings of every resource and returns one
// desired stack per (account, region) that at least one resource is bound to,
// ordered by account id and region.
func Bind(tmpl *Template, opts Options) ([]*ir.DesiredStack, error) {
	if !stackNamePattern.MatchString(opts.StackName) {
		return nil, fmt.Errorf("invalid stack name %q", opts.StackName)
	}
	params, err := resolveParameters(tmpl.Parameters, opts.Parameters)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(tmpl.Resources))
	for id := range tmpl.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	builds := make(map[ir.TargetKey]*targetBuild)
	for _, id := range ids {
		res := tmpl.Resources[id]
		binding := res.Binding
		if binding == nil {
			binding = tmpl.DefaultBinding
		}
		if binding == nil {
			return nil, fmt.Errorf("resource %s has no %s and the template has no %s", id, attrOrganizationBinding, sectionDefaultBinding)
		}
		for _, dep := range res.DependsOnAccounts {
			if _, ok := tmpl.Organization.Account(dep); !ok {
				return nil, fmt.Errorf("resource %s depends on account %s which is not part of the organization", id, dep)
			}
		}

		accounts, regions, err := binding.resolve(tmpl.Organization)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", id, err)
		}
		for _, acct := range accounts {
			for _, region := range regions {
				key := ir.TargetKey{AccountID: acct.accountID, Region: region, StackName: opts.StackName}
				b, ok := builds[key]
				if !ok {
					b = &targetBuild{
						account:           acct,
						region:            region,
						resources:         make(map[string]any),
						dependsOnAccounts: make(map[string]bool),
						dependsOnRegions:  make(map[string]bool),
					}
					builds[key] = b
				}
				b.resources[id] = res.Definition
				for _, dep := range res.DependsOnAccounts {
					if dep != acct.logicalID {
						b.dependsOnAccounts[dep] = true
					}
				}
				for _, dep := range res.DependsOnRegions {
					if dep != region {
						b.dependsOnRegions[dep] = true
					}
				}
			}
		}
	}

	stacks := make([]*ir.DesiredStack, 0, len(builds))
	for _, b := range builds {
		body, err := json.Marshal(stackTemplate(tmpl, b.resources))
		if err != nil {
			return nil, fmt.Errorf("failed to render stack template for %s/%s: %w", b.account.accountID, b.region, err)
		}
		ds := &ir.DesiredStack{
			Target: ir.Target{
				LogicalAccountID: b.account.logicalID,
				AccountID:        b.account.accountID,
				Region:           b.region,
				StackName:        opts.StackName,
			},
			TemplateBody:          string(body),
			Parameters:            params,
			TerminationProtection: opts.TerminationProtection,
			DependsOnAccounts:     sortedKeys(b.dependsOnAccounts),
			DependsOnRegions:      sortedKeys(b.dependsOnRegions),
		}
		ds.Hash, err = Hash(ds)
		if err != nil {
			return nil, err
		}
		stacks = append(stacks, ds)
	}

	sort.Slice(stacks, func(i, j int) bool {
		a, b := stacks[i].Target, stacks[j].Target
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		return a.Region < b.Region
	})
	return stacks, nil
}

// Hash is the content hash of everything that is sent to the cloud for a
// stack and of the metadata recorded with it. A change of any of it makes
// the stack outdated, so dependency changes reach the persisted state.
func Hash(ds *ir.DesiredStack) (string, error) {
	payload, err := json.Marshal(struct {
		TemplateBody          string            `json:"templateBody"`
		Parameters            map[string]string `json:"parameters,omitempty"`
		TerminationProtection bool              `json:"terminationProtection"`
		LogicalAccountID      string            `json:"logicalAccountId"`
		DependsOnAccounts     []string          `json:"dependsOnAccounts,omitempty"`
		DependsOnRegions      []string          `json:"dependsOnRegions,omitempty"`
	}{
		ds.TemplateBody, ds.Parameters, ds.TerminationProtection, ds.Target.LogicalAccountID,
		sortedCopy(ds.DependsOnAccounts), sortedCopy(ds.DependsOnRegions),
	})
	if err != nil {
		return "", fmt.Errorf("failed to hash stack %s: %w", ds.Target, err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func sortedCopy(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	return out
}

func stackTemplate(tmpl *Template, resources map[string]any) map[string]any {
	out := make(map[string]any, len(tmpl.Sections)+3)
	for k, v := range tmpl.Sections {
		out[k] = v
	}
	out[sectionResources] = resources
	if len(tmpl.Parameters) > 0 {
		out[sectionParameters] = tmpl.Parameters
	}

	outputs := make(map[string]any)
	for name, output := range tmpl.Outputs {
		if referencesAvailable(output, resources, tmpl.Parameters) {
			outputs[name] = output
		}
	}
	if len(outputs) > 0 {
		out[sectionOutputs] = outputs
	}
	return out
}

// resolveParameters matches the supplied values against the parameters the
// template declares.
func resolveParameters(declared map[string]any, supplied map[string]string) (map[string]string, error) {
	for name := range supplied {
		if _, ok := declared[name]; !ok {
			return nil, fmt.Errorf("parameter %s is not declared by the template", name)
		}
	}

	var missing []string
	for name, def := range declared {
		if _, ok := supplied[name]; ok {
			continue
		}
		if m, ok := def.(map[string]any); ok {
			if _, hasDefault := m["Default"]; hasDefault {
				continue
			}
		}
		missing = append(missing, name)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("no value for template parameters without default: %s", strings.Join(missing, ", "))
	}

	if len(supplied) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(supplied))
	for k, v := range supplied {
		params[k] = v
	}
	return params, nil
}

// referencesAvailable reports whether every resource or parameter v refers
// to exists in the stack.
func referencesAvailable(v any, resources map[string]any, params map[string]any) bool {
	for _, name := range references(v) {
		if strings.HasPrefix(name, "AWS::") {
			continue
		}
		if _, ok := resources[name]; ok {
			continue
		}
		if _, ok := params[name]; ok {
			continue
		}
		return false
	}
	return true
}

var subVariable = regexp.MustCompile(`\$\{([^!}][^}]*)\}`)

func references(v any) []string {
	var out []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			if ref, ok := t[intrinsicRef].(string); ok && len(t) == 1 {
				out = append(out, ref)
				return
			}
			if att, ok := t[intrinsicGetAtt].([]any); ok && len(att) > 0 {
				if name, ok := att[0].(string); ok {
					out = append(out, name)
				}
			}
			if sub, ok := t["Fn::Sub"]; ok {
				var s string
				switch st := sub.(type) {
				case string:
					s = st
				case []any:
					if len(st) > 0 {
						s, _ = st[0].(string)
					}
				}
				for _, m := range subVariable.FindAllStringSubmatch(s, -1) {
					name, _, _ := strings.Cut(m[1], ".")
					out = append(out, name)
				}
			}
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(v)
	return out
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
