// Package azure implements provider.ResourceProvider over Azure Resource
// Manager.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/PiotrMackowski/ClosedCSPM/internal/metrics"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

const (
	moduleName    = "closedcspm.Client"
	moduleVersion = "v1.0.0"

	defaultRateLimit = 10.0 // requests per second

	// maxPages bounds nextLink pagination.
	maxPages = 500
)

// envHelp describes the settings used by the Azure provider.
const envHelp = `Azure settings (credentials come from the SDK default chain:
environment, workload identity, managed identity, Azure CLI):
  AZURE_TENANT_ID                          - Tenant to authenticate against
  CLOSEDCSPM_PROVIDERS_AZURE_PROFILE       - Section of ~/.azure/config to read defaults from
  CLOSEDCSPM_PROVIDERS_AZURE_CONFIG_PATH   - Alternative ini config path
  CLOSEDCSPM_PROVIDERS_AZURE_RATE_LIMIT    - Max ARM requests per second`

func init() {
	provider.Register("azure", newFromConfig, envHelp)
}

func newFromConfig(cfg *viper.Viper, logger *zap.Logger) (provider.ResourceProvider, error) {
	opts := Options{
		TenantID:    cfg.GetString("tenant_id"),
		RateLimit:   cfg.GetFloat64("rate_limit"),
		APIVersions: cfg.GetStringMapString("api_versions"),
	}

	if prof, err := LoadProfile(cfg.GetString("config_path"), cfg.GetString("profile")); err == nil {
		opts.DefaultSubscription = prof.SubscriptionID
		if opts.TenantID == "" {
			opts.TenantID = prof.TenantID
		}
	} else {
		logger.Debug("no Azure profile loaded", zap.Error(err))
	}
	if sub := cfg.GetString("subscription_id"); sub != "" {
		opts.DefaultSubscription = sub
	}

	cred, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
		TenantID: opts.TenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	return New(cred, opts, logger)
}

// Options configures the Azure provider.
type Options struct {
	TenantID string
	// DefaultSubscription is used when no scope is given on the command line.
	DefaultSubscription string
	RateLimit           float64
	// APIVersions overrides the built-in api-version table, keyed by
	// lower-cased resource type.
	APIVersions map[string]string
	// ClientOptions is passed to the ARM client (tests point it at a fake
	// endpoint).
	ClientOptions *arm.ClientOptions
}

// Provider reads resources, properties and role assignments from ARM.
type Provider struct {
	client      *arm.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
	apiVersions map[string]string
	defaultSub  string

	mu        sync.Mutex
	roleNames map[string]string // role definition id -> role name
}

// New creates the provider.
func New(cred azcore.TokenCredential, opts Options, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := arm.NewClient(moduleName, moduleVersion, cred, opts.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("creating ARM client: %w", err)
	}

	rl := opts.RateLimit
	if rl <= 0 {
		rl = defaultRateLimit
	}

	overrides := make(map[string]string, len(opts.APIVersions))
	for k, v := range opts.APIVersions {
		overrides[strings.ToLower(k)] = v
	}

	return &Provider{
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(rl), 1),
		logger:      logger,
		apiVersions: overrides,
		defaultSub:  opts.DefaultSubscription,
		roleNames:   make(map[string]string),
	}, nil
}

// Name returns "azure".
func (p *Provider) Name() string { return "azure" }

// DefaultScope returns the subscription from the profile, if any.
func (p *Provider) DefaultScope() (provider.Scope, bool) {
	if p.defaultSub == "" {
		return provider.Scope{}, false
	}
	return provider.Scope{Kind: provider.ScopeSubscription, ID: p.defaultSub}, true
}

type listResponse struct {
	Value    []armResource `json:"value"`
	NextLink string        `json:"nextLink"`
}

type armResource struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Location string            `json:"location"`
	Tags     map[string]string `json:"tags"`
}

// ListResources lists every resource in a subscription or resource group.
func (p *Provider) ListResources(ctx context.Context, scope provider.Scope) ([]provider.ResourceDescriptor, error) {
	base, err := scopePath(scope)
	if err != nil {
		return nil, err
	}

	var out []provider.ResourceDescriptor
	err = paginate(ctx, p, "list_resources", base+"/resources", "2021-04-01", func(resp listResponse) {
		for _, r := range resp.Value {
			out = append(out, provider.ResourceDescriptor{
				ID:       r.ID,
				Name:     r.Name,
				Type:     r.Type,
				Location: r.Location,
				Tags:     r.Tags,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("listed resources", zap.String("scope", scope.String()), zap.Int("count", len(out)))
	return out, nil
}

// GetResourceProperties reads a resource or a child endpoint of it.
func (p *Provider) GetResourceProperties(ctx context.Context, resourceID string) (provider.Properties, error) {
	if !strings.HasPrefix(resourceID, "/") {
		return nil, fmt.Errorf("invalid ARM resource id %q", resourceID)
	}
	var props provider.Properties
	err := p.get(ctx, "get_properties", p.client.Endpoint()+resourceID, apiVersionFor(resourceID, p.apiVersions), &props)
	if err != nil {
		return nil, err
	}
	return props, nil
}

type roleAssignmentList struct {
	Value []struct {
		ID         string `json:"id"`
		Properties struct {
			RoleDefinitionID string `json:"roleDefinitionId"`
			PrincipalID      string `json:"principalId"`
			PrincipalType    string `json:"principalType"`
			Scope            string `json:"scope"`
		} `json:"properties"`
	} `json:"value"`
	NextLink string `json:"nextLink"`
}

// GetRoleAssignments lists the role assignments at or above scope, with
// role names resolved from their definitions.
func (p *Provider) GetRoleAssignments(ctx context.Context, scope provider.Scope) ([]provider.RoleAssignment, error) {
	base, err := scopePath(scope)
	if err != nil {
		return nil, err
	}

	var out []provider.RoleAssignment
	endpoint := base + "/providers/Microsoft.Authorization/roleAssignments"
	err = paginate(ctx, p, "get_role_assignments", endpoint, "2022-04-01", func(resp roleAssignmentList) {
		for _, ra := range resp.Value {
			out = append(out, provider.RoleAssignment{
				ID:            ra.ID,
				PrincipalID:   ra.Properties.PrincipalID,
				PrincipalType: principalType(ra.Properties.PrincipalType),
				RoleName:      ra.Properties.RoleDefinitionID,
				Scope:         ra.Properties.Scope,
			})
		}
	})
	if err != nil {
		return nil, err
	}

	for i := range out {
		name, err := p.roleName(ctx, out[i].RoleName)
		if err != nil {
			p.logger.Debug("role definition not resolved", zap.String("role", out[i].RoleName), zap.Error(err))
			continue
		}
		out[i].RoleName = name
	}
	return out, nil
}

func (p *Provider) roleName(ctx context.Context, definitionID string) (string, error) {
	p.mu.Lock()
	name, ok := p.roleNames[definitionID]
	p.mu.Unlock()
	if ok {
		return name, nil
	}

	var def struct {
		Properties struct {
			RoleName string `json:"roleName"`
		} `json:"properties"`
	}
	if err := p.get(ctx, "get_role_definition", p.client.Endpoint()+definitionID, "2022-04-01", &def); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.roleNames[definitionID] = def.Properties.RoleName
	p.mu.Unlock()
	return def.Properties.RoleName, nil
}

func principalType(t string) provider.PrincipalType {
	switch strings.ToLower(t) {
	case "user":
		return provider.PrincipalUser
	case "group":
		return provider.PrincipalGroup
	case "serviceprincipal":
		return provider.PrincipalServicePrincipal
	case "foreigngroup":
		return provider.PrincipalForeign
	default:
		return provider.PrincipalUnknown
	}
}

func scopePath(scope provider.Scope) (string, error) {
	switch scope.Kind {
	case provider.ScopeSubscription:
		return "/subscriptions/" + url.PathEscape(scope.ID), nil
	case provider.ScopeResourceGroup:
		sub, rg, ok := strings.Cut(scope.ID, "/")
		if !ok {
			return "", fmt.Errorf("resource group scope %q must be <subscription>/<resource group>", scope.ID)
		}
		return "/subscriptions/" + url.PathEscape(sub) + "/resourceGroups/" + url.PathEscape(rg), nil
	default:
		return "", fmt.Errorf("scope kind %q is not supported by the azure provider", scope.Kind)
	}
}

type page interface {
	next() string
}

func (l listResponse) next() string       { return l.NextLink }
func (l roleAssignmentList) next() string { return l.NextLink }

// paginate follows nextLink until exhausted, calling fn for each page.
func paginate[T page](ctx context.Context, p *Provider, op, path, apiVersion string, fn func(T)) error {
	link := p.client.Endpoint() + path
	version := apiVersion
	for n := 0; link != ""; n++ {
		if n >= maxPages {
			return fmt.Errorf("%s: more than %d pages", op, maxPages)
		}
		var v T
		if err := p.get(ctx, op, link, version, &v); err != nil {
			return err
		}
		fn(v)
		link = v.next()
		// nextLink carries its own api-version.
		version = ""
	}
	return nil
}

// get issues a rate-limited GET through the ARM pipeline and decodes JSON
// into out. Failures are classified with the provider error taxonomy.
func (p *Provider) get(ctx context.Context, op, rawURL, apiVersion string, out interface{}) (err error) {
	defer func() { metrics.RecordProviderCall("azure_"+op, err == nil) }()

	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := runtime.NewRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if apiVersion != "" {
		q := req.Raw().URL.Query()
		q.Set("api-version", apiVersion)
		req.Raw().URL.RawQuery = q.Encode()
	}
	req.Raw().Header["Accept"] = []string{"application/json"}

	resp, err := p.client.Pipeline().Do(req)
	if err != nil {
		return classify(op, rawURL, err)
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return classify(op, rawURL, runtime.NewResponseError(resp))
	}
	if err := runtime.UnmarshalAsJSON(resp, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

func classify(op, resource string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return provider.NewError(op, resource, respErr.StatusCode, err)
	}
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return provider.NewError(op, resource, http.StatusUnauthorized, err)
	}
	return provider.NewError(op, resource, 0, err)
}
