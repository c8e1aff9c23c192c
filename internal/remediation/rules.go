package remediation

import (
	"strings"
	"unicode"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
)

// GroupedResourceType marks findings that aggregate many resources.
const GroupedResourceType = "Multiple"

// Predicate matches a finding. Every non-empty criterion must hold; within
// a criterion any listed value may match. Text comparisons ignore case.
type Predicate struct {
	Types []finding.Type
	// TitleAny matches substrings of the title.
	TitleAny []string
	// TitleWords matches whole words of the title.
	TitleWords []string
	// TextAny matches substrings of the title or the resource type.
	TextAny []string
	// TextNone rejects findings whose title or resource type contains any
	// of the substrings.
	TextNone []string
	// ResourceTypeAny matches substrings of the resource type.
	ResourceTypeAny []string
	// ResourceTypePrefix matches resource type prefixes.
	ResourceTypePrefix []string
	// Controls matches affected controls: "AC-" matches a family, "SC-7"
	// matches the control and its enhancements.
	Controls []string
}

func (p Predicate) matches(f finding.Finding) bool {
	title := strings.ToLower(f.Title)
	rtype := strings.ToLower(f.ResourceType)
	text := title + " " + rtype

	if len(p.Types) > 0 && !hasType(p.Types, f.FindingType) {
		return false
	}
	if len(p.TitleAny) > 0 && !containsAny(title, p.TitleAny) {
		return false
	}
	if len(p.TitleWords) > 0 && !hasWord(title, p.TitleWords) {
		return false
	}
	if len(p.TextAny) > 0 && !containsAny(text, p.TextAny) {
		return false
	}
	if len(p.TextNone) > 0 && containsAny(text, p.TextNone) {
		return false
	}
	if len(p.ResourceTypeAny) > 0 && !containsAny(rtype, p.ResourceTypeAny) {
		return false
	}
	if len(p.ResourceTypePrefix) > 0 && !hasPrefixAny(rtype, p.ResourceTypePrefix) {
		return false
	}
	if len(p.Controls) > 0 && !affects(f.AffectedControls, p.Controls) {
		return false
	}
	return true
}

// Rule decides remediability when its predicate matches.
type Rule struct {
	Name           string
	When           Predicate
	AutoRemediable bool
}

// accessRules are evaluated before all other tables: access control
// findings are never auto-remediable, grouped or not. Assigning identities
// is a business decision even for managed identities.
var accessRules = []Rule{
	{Name: "type-access-control-managed-identity", When: Predicate{
		Types:    []finding.Type{finding.TypeAccessControl},
		TitleAny: []string{"managed identity"},
	}},
	{Name: "type-access-control", When: Predicate{Types: []finding.Type{finding.TypeAccessControl}}},
}

// groupedRules apply to findings with ResourceType "Multiple". Exclusions
// come first; unmatched grouped findings are auto-remediable.
var groupedRules = []Rule{
	{Name: "grouped-access-assignment", When: Predicate{TitleAny: []string{"access assignment", "role assignment", "privileged access"}}},
	{Name: "grouped-data-classification", When: Predicate{TitleAny: []string{"data classification", "sensitivity label"}}},
	{Name: "grouped-tls", When: Predicate{TitleAny: []string{"tls", "https"}}, AutoRemediable: true},
	{Name: "grouped-diagnostics", When: Predicate{TitleAny: []string{"diagnostic"}}, AutoRemediable: true},
	{Name: "grouped-encryption", When: Predicate{TitleAny: []string{"encrypt"}}, AutoRemediable: true},
	{Name: "grouped-logging", When: Predicate{TitleAny: []string{"logging", "audit log", "log retention"}}, AutoRemediable: true},
	{Name: "grouped-backup", When: Predicate{TitleAny: []string{"backup"}}, AutoRemediable: true},
	{Name: "grouped-mfa", When: Predicate{TitleAny: []string{"mfa", "multi-factor", "multifactor"}}, AutoRemediable: true},
	{Name: "grouped-network-security", When: Predicate{TitleAny: []string{"network security", "nsg", "firewall"}}, AutoRemediable: true},
	{Name: "grouped-configuration-baseline", When: Predicate{TitleAny: []string{"baseline", "configuration drift"}}, AutoRemediable: true},
}

const groupedDefaultRule = "grouped-default"

// typedRules apply by finding type.
var typedRules = []Rule{
	{Name: "type-encryption", When: Predicate{Types: []finding.Type{finding.TypeEncryption}}, AutoRemediable: true},
	{Name: "type-network-security", When: Predicate{Types: []finding.Type{finding.TypeNetworkSecurity}}, AutoRemediable: true},
	{Name: "type-configuration-identity-control", When: Predicate{
		Types:    []finding.Type{finding.TypeConfiguration},
		Controls: []string{"AC-", "IA-"},
	}},
	{Name: "type-configuration-identity-resource", When: Predicate{
		Types:              []finding.Type{finding.TypeConfiguration},
		ResourceTypePrefix: []string{"microsoft.authorization/", "microsoft.managedidentity/", "microsoft.aad", "iam.googleapis.com/"},
	}},
	{Name: "type-configuration", When: Predicate{Types: []finding.Type{finding.TypeConfiguration}}, AutoRemediable: true},
	{Name: "type-security-monitoring", When: Predicate{
		Types:    []finding.Type{finding.TypeSecurity, finding.TypeCompliance},
		TitleAny: []string{"diagnostic", "monitoring", "monitor", "defender", "boundary protection"},
	}, AutoRemediable: true},
	{Name: "type-security-boundary", When: Predicate{
		Types:    []finding.Type{finding.TypeSecurity, finding.TypeCompliance},
		Controls: []string{"SC-7"},
	}, AutoRemediable: true},
	{Name: "type-security-manual", When: Predicate{Types: []finding.Type{finding.TypeSecurity, finding.TypeCompliance}}},
}

// legacyRules pair title keywords with resource type keywords for
// resource families the typed rules do not decide.
var legacyRules = []Rule{
	{Name: "legacy-storage", When: Predicate{TitleAny: []string{"storage", "blob"}, ResourceTypeAny: []string{"storage"}}, AutoRemediable: true},
	{Name: "legacy-vm", When: Predicate{TitleAny: []string{"vm", "virtual machine", "disk"}, ResourceTypeAny: []string{"compute", "virtualmachine"}}, AutoRemediable: true},
	{Name: "legacy-nsg", When: Predicate{TitleAny: []string{"nsg", "network security group", "port"}, ResourceTypeAny: []string{"network"}}, AutoRemediable: true},
	{Name: "legacy-key-vault", When: Predicate{TitleAny: []string{"key vault", "keyvault", "soft delete", "purge"}, ResourceTypeAny: []string{"keyvault"}}, AutoRemediable: true},
	{Name: "legacy-sql", When: Predicate{TitleAny: []string{"sql", "database", "auditing"}, ResourceTypeAny: []string{"sql"}}, AutoRemediable: true},
	{Name: "legacy-cosmos-db", When: Predicate{TitleAny: []string{"cosmos"}, ResourceTypeAny: []string{"documentdb"}}, AutoRemediable: true},
	{Name: "legacy-app-service", When: Predicate{TitleAny: []string{"app service", "web app", "webapp"}, ResourceTypeAny: []string{"web"}}, AutoRemediable: true},
	{Name: "legacy-diagnostics", When: Predicate{TitleAny: []string{"diagnostic"}}, AutoRemediable: true},
	{Name: "legacy-tags", When: Predicate{TitleWords: tagWords}, AutoRemediable: true},
	{Name: "legacy-backup", When: Predicate{TitleAny: []string{"backup"}}, AutoRemediable: true},
}

const noMatchRule = "no-match"

// tagWords are matched as whole words so that "staging" or "outage" do not
// read as tagging findings.
var tagWords = []string{"tag", "tags", "tagged", "tagging"}

// simpleKeywords and tagWords mark remediations of the Simple tier;
// everything else auto-remediable is Moderate.
var simpleKeywords = []string{"https", "tls", "diagnostic", "soft delete", "purge protection"}

// ActionTemplate produces one RemediationAction when its predicate matches.
type ActionTemplate struct {
	When             Predicate
	Name             string
	Description      string
	ActionType       string
	RequiresApproval bool
	Parameters       map[string]string
}

// actionTemplates are disjoint: at most one matches a finding.
var actionTemplates = []ActionTemplate{
	{
		When:        Predicate{TextAny: []string{"encrypt"}, TitleAny: []string{"storage", "blob"}},
		Name:        "Enable Storage Encryption",
		Description: "Enable service-side encryption for the storage account.",
		ActionType:  "configuration",
		Parameters:  map[string]string{"setting": "encryption.services.blob.enabled", "value": "true"},
	},
	{
		When:        Predicate{TitleAny: []string{"encrypt"}, TextAny: []string{"disk", "vm", "virtual machine", "compute"}, TextNone: []string{"storage", "blob"}},
		Name:        "Enable Disk Encryption",
		Description: "Enable encryption at host for the virtual machine disks.",
		ActionType:  "configuration",
		Parameters:  map[string]string{"setting": "securityProfile.encryptionAtHost", "value": "true"},
	},
	{
		When:        Predicate{TitleAny: []string{"https", "secure transfer", "ssl"}, TextNone: []string{"tls", "encrypt"}},
		Name:        "Enforce HTTPS Only",
		Description: "Reject plain HTTP requests and require encrypted transport.",
		ActionType:  "configuration",
		Parameters:  map[string]string{"setting": "httpsOnly", "value": "true"},
	},
	{
		When:        Predicate{TitleAny: []string{"tls"}, TextNone: []string{"encrypt"}},
		Name:        "Set Minimum TLS Version",
		Description: "Raise the minimum accepted TLS version to 1.2.",
		ActionType:  "configuration",
		Parameters:  map[string]string{"setting": "minimumTlsVersion", "value": "TLS1_2"},
	},
	{
		When:             Predicate{TitleAny: []string{"firewall", "nsg", "network security group", "public network", "all networks", "ingress"}, TextNone: []string{"encrypt", "https", "tls", "diagnostic"}},
		Name:             "Restrict Network Access",
		Description:      "Deny public network access by default and allow only approved networks.",
		ActionType:       "network",
		RequiresApproval: true,
		Parameters:       map[string]string{"default_action": "Deny"},
	},
	{
		When:        Predicate{TitleAny: []string{"diagnostic"}},
		Name:        "Configure Diagnostic Settings",
		Description: "Send resource logs and metrics to the central Log Analytics workspace.",
		ActionType:  "monitoring",
		Parameters:  map[string]string{"destination": "log_analytics"},
	},
	{
		When:        Predicate{TitleAny: []string{"audit"}, TextNone: []string{"diagnostic"}},
		Name:        "Enable Auditing",
		Description: "Enable auditing and forward audit logs to the central workspace.",
		ActionType:  "monitoring",
		Parameters:  map[string]string{"state": "Enabled"},
	},
	{
		When:        Predicate{TitleAny: []string{"soft delete", "purge protection"}},
		Name:        "Enable Soft Delete and Purge Protection",
		Description: "Protect deleted data from permanent removal.",
		ActionType:  "configuration",
		Parameters:  map[string]string{"enableSoftDelete": "true", "enablePurgeProtection": "true"},
	},
	{
		When:        Predicate{TitleAny: []string{"backup"}, TextNone: []string{"soft delete", "purge protection"}},
		Name:        "Enable Backup",
		Description: "Enable automated backups with the organization's retention policy.",
		ActionType:  "backup",
		Parameters:  map[string]string{"policy": "default"},
	},
	{
		When:        Predicate{TitleWords: tagWords},
		Name:        "Apply Required Tags",
		Description: "Add the tags required by the configuration baseline.",
		ActionType:  "tagging",
		Parameters:  map[string]string{"tags": "owner"},
	},
	{
		When:             Predicate{TitleAny: []string{"mfa", "multi-factor", "multifactor"}},
		Name:             "Enforce Multi-Factor Authentication",
		Description:      "Require multi-factor authentication through conditional access.",
		ActionType:       "identity",
		RequiresApproval: true,
	},
	{
		When:        Predicate{TitleAny: []string{"local auth", "key authentication"}},
		Name:        "Disable Local Authentication",
		Description: "Require Entra ID authentication and disable account keys.",
		ActionType:  "configuration",
		Parameters:  map[string]string{"disableLocalAuth": "true"},
	},
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// hasWord reports whether s contains any of words as a whole word. Words
// are separated by anything but letters and digits.
func hasWord(s string, words []string) bool {
	for _, token := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		for _, w := range words {
			if token == strings.ToLower(w) {
				return true
			}
		}
	}
	return false
}

func hasPrefixAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func hasType(types []finding.Type, t finding.Type) bool {
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

// affects reports whether any control matches a pattern. A pattern ending
// in "-" is a family prefix; otherwise it matches the control and its
// enhancements.
func affects(controls, patterns []string) bool {
	for _, c := range controls {
		c = strings.ToUpper(c)
		for _, p := range patterns {
			p = strings.ToUpper(p)
			if strings.HasSuffix(p, "-") {
				if strings.HasPrefix(c, p) {
					return true
				}
				continue
			}
			if c == p || strings.HasPrefix(c, p+".") || strings.HasPrefix(c, p+"(") {
				return true
			}
		}
	}
	return false
}
