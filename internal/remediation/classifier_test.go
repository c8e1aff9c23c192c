package remediation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
)

func newFinding(title string, typ finding.Type, resourceType string, opts ...finding.Option) finding.Finding {
	base := []finding.Option{
		finding.WithType(typ),
		finding.WithResource("/subscriptions/s/resourceGroups/rg/providers/x/y/res", resourceType),
		finding.WithRecommendation("Follow the documented fix."),
	}
	return finding.New(title, finding.High, finding.NonCompliant, append(base, opts...)...)
}

func TestStorageEncryptionIsModerate(t *testing.T) {
	f := finding.New("Storage encryption disabled", finding.High, finding.NonCompliant,
		finding.WithType(finding.TypeEncryption))

	cl := NewClassifier().Classify(f)

	assert.True(t, cl.IsAutoRemediable)
	assert.Equal(t, Moderate, cl.Complexity)
	assert.Equal(t, Duration(15*time.Minute), cl.EstimatedDuration)
	require.Len(t, cl.Actions, 1)
	assert.Equal(t, "Enable Storage Encryption", cl.Actions[0].Name)
}

func TestGroupedDataClassificationIsManual(t *testing.T) {
	f := finding.New("Data classification missing sensitivity label", finding.Medium, finding.NonCompliant,
		finding.WithResource("Multiple", "Multiple"))

	cl := NewClassifier().Classify(f)

	assert.False(t, cl.IsAutoRemediable)
	assert.Equal(t, "grouped-data-classification", cl.Rule)
	assert.Equal(t, Complex, cl.Complexity)
	require.Len(t, cl.Actions, 1)
	assert.Equal(t, ManualReviewAction, cl.Actions[0].Name)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := NewClassifier()
	inputs := []finding.Finding{
		newFinding("Storage account allows non-HTTPS traffic", finding.TypeEncryption, "Microsoft.Storage/storageAccounts"),
		newFinding("Diagnostic settings not configured", finding.TypeConfiguration, "Microsoft.KeyVault/vaults"),
		newFinding("External principal holds role Owner", finding.TypeAccessControl, "RoleAssignment"),
		newFinding("Backups missing", finding.TypeOther, "Multiple"),
		newFinding("Hardcoded secret", finding.TypeSecret, "file"),
	}
	for _, f := range inputs {
		first := c.Classify(f)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, NewClassifier().Classify(f.Clone()), f.Title)
		}
	}
}

func TestAccessControlNeverAutoRemediable(t *testing.T) {
	c := NewClassifier()
	titles := []string{
		"External principal holds role Owner",
		"Storage encryption disabled",
		"Enable TLS 1.2 on gateway",
		"Diagnostic settings missing",
		"Excessive privileged role assignments",
		"Bucket public access prevention not enforced",
		"",
	}
	for _, title := range titles {
		for _, rt := range []string{"", "Multiple", "Microsoft.Storage/storageAccounts", "RoleAssignment"} {
			f := newFinding(title, finding.TypeAccessControl, rt)
			assert.False(t, c.Classify(f).IsAutoRemediable, "%q on %q", title, rt)
		}
	}

	// The access table wins over grouped keyword categories.
	grouped := c.Classify(newFinding("Enforce TLS on all gateways", finding.TypeAccessControl, GroupedResourceType))
	assert.False(t, grouped.IsAutoRemediable)
	assert.Equal(t, "type-access-control", grouped.Rule)

	f := newFinding("VM has no managed identity", finding.TypeAccessControl, "Microsoft.Compute/virtualMachines")
	cl := c.Classify(f)
	assert.False(t, cl.IsAutoRemediable)
	assert.Equal(t, "type-access-control-managed-identity", cl.Rule)
}

func TestGroupedRules(t *testing.T) {
	tests := []struct {
		title string
		auto  bool
		rule  string
	}{
		{"Role assignment review overdue", false, "grouped-access-assignment"},
		{"Access assignments without expiry", false, "grouped-access-assignment"},
		{"Resources missing sensitivity label", false, "grouped-data-classification"},
		{"Resources accept TLS 1.0", true, "grouped-tls"},
		{"Diagnostic settings missing on 12 resources", true, "grouped-diagnostics"},
		{"Encryption at rest disabled on 4 disks", true, "grouped-encryption"},
		{"Logging disabled", true, "grouped-logging"},
		{"Backup not configured", true, "grouped-backup"},
		{"MFA not enforced for admins", true, "grouped-mfa"},
		{"NSG allows RDP from internet", true, "grouped-network-security"},
		{"Configuration baseline drift", true, "grouped-configuration-baseline"},
		{"Something else entirely", true, "grouped-default"},
	}
	c := NewClassifier()
	for _, tt := range tests {
		f := finding.New(tt.title, finding.Medium, finding.NonCompliant,
			finding.WithResource("Multiple", "Multiple"), finding.WithType(finding.TypeCompliance))
		cl := c.Classify(f)
		assert.Equal(t, tt.auto, cl.IsAutoRemediable, tt.title)
		assert.Equal(t, tt.rule, cl.Rule, tt.title)
	}
}

func TestTypedRules(t *testing.T) {
	tests := []struct {
		name       string
		f          finding.Finding
		auto       bool
		rule       string
		complexity Complexity
	}{
		{"encryption", newFinding("VM encryption at host disabled", finding.TypeEncryption, "Microsoft.Compute/virtualMachines"), true, "type-encryption", Moderate},
		{"network", newFinding("Storage account firewall allows all networks", finding.TypeNetworkSecurity, "Microsoft.Storage/storageAccounts"), true, "type-network-security", Moderate},
		{"configuration", newFinding("Key Vault purge protection disabled", finding.TypeConfiguration, "Microsoft.KeyVault/vaults"), true, "type-configuration", Simple},
		{"configuration on identity control", newFinding("Cosmos DB local key authentication enabled", finding.TypeConfiguration, "Microsoft.DocumentDB/databaseAccounts", finding.WithControls("IA-2")), false, "type-configuration-identity-control", Complex},
		{"configuration on identity enhancement", newFinding("Setting drift", finding.TypeConfiguration, "Microsoft.Web/sites", finding.WithControls("SC-8", "AC-2.1")), false, "type-configuration-identity-control", Complex},
		{"configuration on identity resource", newFinding("Custom role too broad", finding.TypeConfiguration, "Microsoft.Authorization/roleDefinitions"), false, "type-configuration-identity-resource", Complex},
		{"security monitoring", newFinding("Microsoft Defender pricing tier is Free", finding.TypeSecurity, "Microsoft.Security/pricings"), true, "type-security-monitoring", Moderate},
		{"compliance diagnostics", newFinding("Diagnostic settings not configured", finding.TypeCompliance, "Microsoft.Sql/servers"), true, "type-security-monitoring", Simple},
		{"compliance boundary", newFinding("Ingress open", finding.TypeCompliance, "Microsoft.Network/networkSecurityGroups", finding.WithControls("SC-7.4")), true, "type-security-boundary", Moderate},
		{"compliance not boundary", newFinding("Ingress open", finding.TypeCompliance, "Microsoft.Network/networkSecurityGroups", finding.WithControls("SC-70")), false, "type-security-manual", Complex},
		{"security manual", newFinding("Suspicious sign-in pattern", finding.TypeSecurity, "tenant"), false, "type-security-manual", Complex},
	}
	c := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl := c.Classify(tt.f)
			assert.Equal(t, tt.auto, cl.IsAutoRemediable)
			assert.Equal(t, tt.rule, cl.Rule)
			assert.Equal(t, tt.complexity, cl.Complexity)
			assert.Equal(t, EstimatedDuration(tt.complexity), cl.EstimatedDuration)
		})
	}
}

func TestLegacyRules(t *testing.T) {
	tests := []struct {
		title string
		rtype string
		rule  string
	}{
		{"Blob container allows anonymous reads", "Microsoft.Storage/storageAccounts", "legacy-storage"},
		{"VM missing endpoint agent", "Microsoft.Compute/virtualMachines", "legacy-vm"},
		{"NSG allows port 22", "Microsoft.Network/networkSecurityGroups", "legacy-nsg"},
		{"Key vault secret near expiry", "Microsoft.KeyVault/vaults", "legacy-key-vault"},
		{"SQL database threat detection off", "Microsoft.Sql/servers/databases", "legacy-sql"},
		{"Cosmos account allows all IPs", "Microsoft.DocumentDB/databaseAccounts", "legacy-cosmos-db"},
		{"App Service runs outdated stack", "Microsoft.Web/sites", "legacy-app-service"},
		{"Diagnostic logs disabled", "anything", "legacy-diagnostics"},
		{"Missing cost-center tag", "anything", "legacy-tags"},
		{"No backup policy", "anything", "legacy-backup"},
	}
	c := NewClassifier()
	for _, tt := range tests {
		cl := c.Classify(newFinding(tt.title, finding.TypeOther, tt.rtype))
		assert.True(t, cl.IsAutoRemediable, tt.title)
		assert.Equal(t, tt.rule, cl.Rule, tt.title)
	}

	cl := c.Classify(newFinding("Vulnerable dependency lodash 4.17.15", finding.TypeDependency, "npm"))
	assert.False(t, cl.IsAutoRemediable)
	assert.Equal(t, noMatchRule, cl.Rule)
	assert.Equal(t, Duration(time.Hour), cl.EstimatedDuration)
}

func TestActions(t *testing.T) {
	tests := []struct {
		title string
		typ   finding.Type
		rtype string
		want  string
	}{
		{"Storage account allows non-HTTPS traffic", finding.TypeEncryption, "Microsoft.Storage/storageAccounts", "Enforce HTTPS Only"},
		{"Storage account accepts TLS versions below 1.2", finding.TypeEncryption, "Microsoft.Storage/storageAccounts", "Set Minimum TLS Version"},
		{"Storage account firewall allows all networks", finding.TypeNetworkSecurity, "Microsoft.Storage/storageAccounts", "Restrict Network Access"},
		{"VM encryption at host disabled", finding.TypeEncryption, "Microsoft.Compute/virtualMachines", "Enable Disk Encryption"},
		{"Diagnostic settings not configured", finding.TypeConfiguration, "Microsoft.KeyVault/vaults", "Configure Diagnostic Settings"},
		{"SQL server auditing disabled", finding.TypeConfiguration, "Microsoft.Sql/servers", "Enable Auditing"},
		{"Key Vault purge protection disabled", finding.TypeConfiguration, "Microsoft.KeyVault/vaults", "Enable Soft Delete and Purge Protection"},
		{"Cloud SQL automated backups disabled", finding.TypeConfiguration, "sqladmin.googleapis.com/Instance", "Enable Backup"},
		{"Resource is missing the owner tag", finding.TypeConfiguration, "Microsoft.Compute/virtualMachines", "Apply Required Tags"},
		{"Cloud SQL instance does not require SSL", finding.TypeEncryption, "sqladmin.googleapis.com/Instance", "Enforce HTTPS Only"},
		{"Firewall rule allows ingress from any address", finding.TypeNetworkSecurity, "compute.googleapis.com/Firewall", "Restrict Network Access"},
	}
	c := NewClassifier()
	for _, tt := range tests {
		cl := c.Classify(newFinding(tt.title, tt.typ, tt.rtype))
		require.True(t, cl.IsAutoRemediable, tt.title)
		require.Len(t, cl.Actions, 1, tt.title)
		a := cl.Actions[0]
		assert.Equal(t, tt.want, a.Name, tt.title)
		assert.Equal(t, cl.Complexity, a.Complexity)
		assert.Equal(t, "/subscriptions/s/resourceGroups/rg/providers/x/y/res", a.Parameters["resource_id"])
	}
}

func TestGenericActionCarriesRecommendation(t *testing.T) {
	f := finding.New("KMS key rotation period exceeds 90 days", finding.Low, finding.NonCompliant,
		finding.WithType(finding.TypeEncryption),
		finding.WithRecommendation("Set the key rotation period to 90 days or less."))

	cl := NewClassifier().Classify(f)
	require.True(t, cl.IsAutoRemediable)
	require.Len(t, cl.Actions, 1)
	assert.Equal(t, "Apply Recommended Remediation", cl.Actions[0].Name)
	assert.Equal(t, "Set the key rotation period to 90 days or less.", cl.Actions[0].Description)
	assert.Nil(t, cl.Actions[0].Parameters)
}

func TestActionTemplatesDoNotShareParameters(t *testing.T) {
	c := NewClassifier()
	a := c.Classify(newFinding("Storage encryption disabled", finding.TypeEncryption, "Microsoft.Storage/storageAccounts"))
	a.Actions[0].Parameters["value"] = "false"

	b := c.Classify(newFinding("Storage encryption disabled", finding.TypeEncryption, "Microsoft.Storage/storageAccounts"))
	assert.Equal(t, "true", b.Actions[0].Parameters["value"])
}

func TestTagKeywordsMatchWholeWords(t *testing.T) {
	c := NewClassifier()
	tests := []struct {
		title      string
		complexity Complexity
		actions    []string
	}{
		{"Staging slot storage encryption disabled", Moderate, []string{"Enable Storage Encryption"}},
		{"Storage encryption disabled during outage", Moderate, []string{"Enable Storage Encryption"}},
		{"Storage encryption disabled on untagged account", Moderate, []string{"Enable Storage Encryption"}},
		{"Storage encryption disabled, owner tags missing", Simple, []string{"Enable Storage Encryption", "Apply Required Tags"}},
	}
	for _, tt := range tests {
		cl := c.Classify(newFinding(tt.title, finding.TypeEncryption, "Microsoft.Storage/storageAccounts"))
		assert.Equal(t, tt.complexity, cl.Complexity, tt.title)
		var names []string
		for _, a := range cl.Actions {
			names = append(names, a.Name)
		}
		assert.Equal(t, tt.actions, names, tt.title)
	}

	cl := c.Classify(newFinding("Stage environment lacks monitoring", finding.TypeOther, "anything"))
	assert.NotEqual(t, "legacy-tags", cl.Rule)
}

func TestEstimatedDuration(t *testing.T) {
	assert.Equal(t, Duration(5*time.Minute), EstimatedDuration(Simple))
	assert.Equal(t, Duration(15*time.Minute), EstimatedDuration(Moderate))
	assert.Equal(t, Duration(time.Hour), EstimatedDuration(Complex))
	assert.Equal(t, Duration(30*time.Minute), EstimatedDuration("Unknown"))
}

func TestDurationJSON(t *testing.T) {
	data, err := json.Marshal(Action{Name: "a", EstimatedDuration: Duration(15 * time.Minute)})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"estimated_duration":"15m0s"`)

	var back Action
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Duration(15*time.Minute), back.EstimatedDuration)
}
