package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PiotrMackowski/ClosedCSPM/internal/catalog"
	"github.com/PiotrMackowski/ClosedCSPM/internal/finding"
	"github.com/PiotrMackowski/ClosedCSPM/internal/policy"
	"github.com/PiotrMackowski/ClosedCSPM/internal/producer"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider/snapshot"
	"github.com/PiotrMackowski/ClosedCSPM/internal/scanner"
	"github.com/PiotrMackowski/ClosedCSPM/policies"
)

const storageID = "/subscriptions/sub-1/resourceGroups/rg/providers/Microsoft.Storage/storageAccounts/logs"

func TestPipelineAgainstSnapshot(t *testing.T) {
	snap := snapshot.New("azure", testScope)
	snap.Resources = []provider.ResourceDescriptor{
		{ID: storageID, Name: "logs", Type: "Microsoft.Storage/storageAccounts", Location: "westeurope"},
	}
	snap.SetProperties(storageID, provider.Properties{
		"tags": map[string]interface{}{"owner": "platform"},
		"properties": map[string]interface{}{
			"supportsHttpsTrafficOnly": false,
			"minimumTlsVersion":        "TLS1_2",
		},
	})

	rules, err := policy.LoadFS(policies.Checks, "checks")
	require.NoError(t, err)
	registry := scanner.NewDefaultRegistry(policy.NewSet(rules), scanner.DefaultRoleOptions())
	cache := catalog.NewCache(catalog.NewStaticSource(policies.BaselineCatalog, catalog.OriginRemote), catalog.DefaultCacheConfig())
	d := scanner.NewDispatcher(registry, cache, snapshot.NewProvider(snap))

	secrets := producer.Static("secrets",
		finding.New("Token committed", finding.High, finding.NonCompliant, finding.WithType(finding.TypeSecret)))

	a, err := New().Run(context.Background(), testScope, []Phase{
		NewControlPhase("transmission", d, "SC-8"),
		NewControlPhase("inventory", d, "CM-8"),
		NewProducerPhase(secrets),
	})
	require.NoError(t, err)

	assert.Equal(t, 0.0, a.Phases["transmission"].Score)
	assert.Equal(t, 100.0, a.Phases["inventory"].Score)
	assert.Equal(t, 90.0, a.Phases["secrets"].Score)
	assert.InDelta(t, 190.0/3, a.OverallScore, 1e-9)

	var https *finding.Finding
	for _, e := range a.AllFindings {
		if e.Meta("rule_id") == "AZ-SC-001" {
			f := e.Finding
			https = &f
			assert.True(t, e.Remediation.IsAutoRemediable)
		}
	}
	require.NotNil(t, https)
	assert.Equal(t, finding.NonCompliant, https.ComplianceStatus)
	assert.True(t, https.IsAutoRemediable)
	assert.Contains(t, https.AffectedControls, "SC-8")
}
