package azure

import "strings"

const defaultAPIVersion = "2021-04-01"

// apiVersions maps lower-cased ARM resource types to the API version used
// to read them.
var apiVersions = map[string]string{
	"microsoft.storage/storageaccounts":                "2023-01-01",
	"microsoft.storage/storageaccounts/blobservices":   "2023-01-01",
	"microsoft.keyvault/vaults":                        "2023-07-01",
	"microsoft.web/sites":                              "2022-09-01",
	"microsoft.web/sites/config":                       "2022-09-01",
	"microsoft.sql/servers":                            "2021-11-01",
	"microsoft.sql/servers/auditingsettings":           "2021-11-01",
	"microsoft.sql/servers/databases":                  "2021-11-01",
	"microsoft.network/networksecuritygroups":          "2023-09-01",
	"microsoft.network/virtualnetworks":                "2023-09-01",
	"microsoft.compute/virtualmachines":                "2023-09-01",
	"microsoft.compute/disks":                          "2023-04-02",
	"microsoft.documentdb/databaseaccounts":            "2023-04-15",
	"microsoft.containerservice/managedclusters":       "2023-08-01",
	"microsoft.recoveryservices/vaults":                "2023-04-01",
	"microsoft.insights/diagnosticsettings":            "2021-05-01-preview",
	"microsoft.authorization/roleassignments":          "2022-04-01",
	"microsoft.authorization/roledefinitions":          "2022-04-01",
	"microsoft.operationalinsights/workspaces":         "2022-10-01",
	"microsoft.security/pricings":                      "2024-01-01",
	"microsoft.managedidentity/userassignedidentities": "2023-01-31",
	"microsoft.containerregistry/registries":           "2023-07-01",
	"microsoft.dbforpostgresql/flexibleservers":        "2022-12-01",
	"microsoft.cache/redis":                            "2023-08-01",
	"microsoft.eventhub/namespaces":                    "2021-11-01",
	"microsoft.servicebus/namespaces":                  "2021-11-01",
	"microsoft.network/applicationgateways":            "2023-09-01",
	"microsoft.network/publicipaddresses":              "2023-09-01",
	"microsoft.apimanagement/service":                  "2022-08-01",
	"microsoft.cognitiveservices/accounts":             "2023-05-01",
	"microsoft.machinelearningservices/workspaces":     "2023-04-01",
	"microsoft.automation/automationaccounts":          "2023-11-01",
	"microsoft.datafactory/factories":                  "2018-06-01",
	"microsoft.synapse/workspaces":                     "2021-06-01",
	"microsoft.dbformysql/flexibleservers":             "2023-06-30",
	"microsoft.network/frontdoors":                     "2021-06-01",
	"microsoft.network/azurefirewalls":                 "2023-09-01",
	"microsoft.network/privateendpoints":               "2023-09-01",
	"microsoft.network/networkwatchers/flowlogs":       "2023-09-01",
	"microsoft.compute/virtualmachinescalesets":        "2023-09-01",
}

// parseResourceType derives the ARM resource type from a resource id,
// using the last "providers" segment. Ids ending in a collection name
// (e.g. ".../providers/Microsoft.Insights/diagnosticSettings") resolve to
// the collection's type.
func parseResourceType(id string) string {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	last := -1
	for i, p := range parts {
		if strings.EqualFold(p, "providers") {
			last = i
		}
	}
	if last < 0 {
		return ""
	}

	rest := parts[last+1:]
	if len(rest) < 2 {
		return ""
	}
	types := []string{rest[0]}
	for i := 1; i < len(rest); i += 2 {
		types = append(types, rest[i])
	}
	return strings.Join(types, "/")
}

// apiVersionFor returns the API version for a resource id.
func apiVersionFor(id string, overrides map[string]string) string {
	typ := strings.ToLower(parseResourceType(id))
	if v, ok := overrides[typ]; ok {
		return v
	}
	if v, ok := apiVersions[typ]; ok {
		return v
	}
	return defaultAPIVersion
}
