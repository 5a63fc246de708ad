package binding

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Top level template sections understood by the binder. Every other section
// is copied into the stack templates as is.
const (
	sectionOrganization        = "Organization"
	sectionDefaultBinding      = "DefaultOrganizationBinding"
	sectionResources           = "Resources"
	sectionOutputs             = "Outputs"
	sectionParameters          = "Parameters"
	attrOrganizationBinding    = "OrganizationBinding"
	attrDependsOnAccount       = "DependsOnAccount"
	attrDependsOnRegion        = "DependsOnRegion"
	organizationMasterAccount  = "OC::ORG::MasterAccount"
	organizationAccount        = "OC::ORG::Account"
	intrinsicRef               = "Ref"
	intrinsicGetAtt            = "Fn::GetAtt"
	intrinsicFunctionPrefix    = "Fn::"
	shortFormTagPrefix         = "!"
	organizationAccountIDField = "AccountId"
)

// Template is a parsed organization template: an organization description
// plus CloudFormation resources annotated with organization bindings.
type Template struct {
	Organization   *Organization
	DefaultBinding *OrganizationBinding
	Resources      map[string]*Resource
	Outputs        map[string]any
	Parameters     map[string]any
	// Sections holds the remaining CloudFormation sections (Mappings,
	// Conditions, Description...) copied into every stack.
	Sections map[string]any
}

// Resource is a CloudFormation resource with its binding attributes removed.
type Resource struct {
	LogicalID         string
	Definition        map[string]any
	Binding           *OrganizationBinding
	DependsOnAccounts []string
	DependsOnRegions  []string
}

// LoadTemplate reads and parses the template at path.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	tmpl, err := ParseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}
	return tmpl, nil
}

// ParseTemplate parses a YAML (or JSON) organization template.
func ParseTemplate(data []byte) (*Template, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("template is empty")
	}

	value, err := toValue(root.Content[0])
	if err != nil {
		return nil, err
	}
	doc, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("template must be a mapping, got %T", value)
	}

	tmpl := &Template{
		Resources: make(map[string]*Resource),
		Sections:  make(map[string]any),
	}
	for key, section := range doc {
		switch key {
		case sectionOrganization:
			org, err := parseOrganization(section)
			if err != nil {
				return nil, err
			}
			tmpl.Organization = org
		case sectionDefaultBinding:
			b, err := parseBinding(section)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", sectionDefaultBinding, err)
			}
			tmpl.DefaultBinding = b
		case sectionResources:
			resources, ok := section.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s must be a mapping", sectionResources)
			}
			for id, def := range resources {
				res, err := parseResource(id, def)
				if err != nil {
					return nil, err
				}
				tmpl.Resources[id] = res
			}
		case sectionOutputs:
			outputs, ok := section.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s must be a mapping", sectionOutputs)
			}
			tmpl.Outputs = outputs
		case sectionParameters:
			params, ok := section.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s must be a mapping", sectionParameters)
			}
			tmpl.Parameters = params
		default:
			tmpl.Sections[key] = section
		}
	}

	if tmpl.Organization == nil {
		return nil, fmt.Errorf("template has no %s section", sectionOrganization)
	}
	return tmpl, nil
}

func parseResource(id string, def any) (*Resource, error) {
	m, ok := def.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resource %s must be a mapping", id)
	}

	res := &Resource{LogicalID: id, Definition: make(map[string]any, len(m))}
	for k, v := range m {
		var err error
		switch k {
		case attrOrganizationBinding:
			res.Binding, err = parseBinding(v)
		case attrDependsOnAccount:
			res.DependsOnAccounts, err = accountRefs(v)
		case attrDependsOnRegion:
			res.DependsOnRegions, err = stringList(v)
		default:
			res.Definition[k] = v
		}
		if err != nil {
			return nil, fmt.Errorf("resource %s: %s: %w", id, k, err)
		}
	}
	if _, ok := res.Definition["Type"]; !ok {
		return nil, fmt.Errorf("resource %s has no Type", id)
	}
	return res, nil
}

// toValue converts a YAML node into plain Go values, expanding the
// CloudFormation short form tags (!Ref, !GetAtt, !Sub...) into their
// long form mappings.
func toValue(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.AliasNode:
		return toValue(node.Alias)
	case yaml.MappingNode:
		out := make(map[string]any, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key string
			if err := node.Content[i].Decode(&key); err != nil {
				return nil, fmt.Errorf("line %d: invalid key: %w", node.Content[i].Line, err)
			}
			valueNode := node.Content[i+1]
			if key == organizationAccountIDField && isNumericScalar(valueNode) {
				// 012345678901 would resolve to a float and 0123... to an octal int.
				out[key] = valueNode.Value
				continue
			}
			v, err := toValue(valueNode)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return shortForm(node, out)
	case yaml.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := toValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return shortForm(node, out)
	case yaml.ScalarNode:
		if strings.HasPrefix(node.Tag, shortFormTagPrefix) && !strings.HasPrefix(node.Tag, "!!") {
			return shortForm(node, node.Value)
		}
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node", node.Line)
	}
}

// isNumericScalar reports whether node is a plain scalar YAML resolves to a number.
func isNumericScalar(node *yaml.Node) bool {
	if node.Kind != yaml.ScalarNode || node.Style != 0 {
		return false
	}
	tag := node.ShortTag()
	return tag == "!!int" || tag == "!!float"
}

func shortForm(node *yaml.Node, value any) (any, error) {
	if !strings.HasPrefix(node.Tag, shortFormTagPrefix) || strings.HasPrefix(node.Tag, "!!") {
		return value, nil
	}
	name := strings.TrimPrefix(node.Tag, shortFormTagPrefix)
	switch name {
	case intrinsicRef:
		return map[string]any{intrinsicRef: value}, nil
	case "GetAtt":
		if s, ok := value.(string); ok {
			resource, attr, found := strings.Cut(s, ".")
			if !found {
				return nil, fmt.Errorf("line %d: !GetAtt %q must be Resource.Attribute", node.Line, s)
			}
			value = []any{resource, attr}
		}
		return map[string]any{intrinsicGetAtt: value}, nil
	case "Condition":
		return map[string]any{"Condition": value}, nil
	default:
		return map[string]any{intrinsicFunctionPrefix + name: value}, nil
	}
}
