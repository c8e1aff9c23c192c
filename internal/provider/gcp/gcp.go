// Package gcp implements provider.ResourceProvider over the Cloud Asset
// Inventory and Resource Manager APIs.
package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	cloudasset "google.golang.org/api/cloudasset/v1"
	cloudresourcemanager "google.golang.org/api/cloudresourcemanager/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/PiotrMackowski/ClosedCSPM/internal/metrics"
	"github.com/PiotrMackowski/ClosedCSPM/internal/provider"
)

const (
	defaultRateLimit = 5.0 // requests per second
	pageSize         = 500

	// iamPolicySuffix addresses the IAM policy of a resource as a
	// sub-resource: "<asset name>/iamPolicy".
	iamPolicySuffix = "/iamPolicy"
)

// envHelp describes the settings used by the GCP provider.
const envHelp = `Google Cloud settings (credentials come from Application Default Credentials):
  GOOGLE_APPLICATION_CREDENTIALS           - Service account key file (optional)
  CLOSEDCSPM_PROVIDERS_GCP_PROJECT_ID      - Default project to assess
  CLOSEDCSPM_PROVIDERS_GCP_INTERNAL_DOMAINS - Comma separated domains treated as internal
  CLOSEDCSPM_PROVIDERS_GCP_RATE_LIMIT      - Max API requests per second`

func init() {
	provider.Register("gcp", newFromConfig, envHelp)
}

func newFromConfig(cfg *viper.Viper, logger *zap.Logger) (provider.ResourceProvider, error) {
	return New(context.Background(), Options{
		DefaultProject:  cfg.GetString("project_id"),
		InternalDomains: cfg.GetStringSlice("internal_domains"),
		AssetTypes:      cfg.GetStringSlice("asset_types"),
		RateLimit:       cfg.GetFloat64("rate_limit"),
	}, logger)
}

// Options configures the GCP provider.
type Options struct {
	DefaultProject string
	// InternalDomains lists the organization's own domains. User members
	// outside them are reported as guests.
	InternalDomains []string
	// AssetTypes restricts listing (e.g. "storage.googleapis.com/Bucket").
	AssetTypes []string
	RateLimit  float64
	// ClientOptions are passed to both API clients.
	ClientOptions []option.ClientOption
}

// Provider reads assets and IAM bindings from Google Cloud.
type Provider struct {
	assets    *cloudasset.Service
	crm       *cloudresourcemanager.Service
	limiter   *rate.Limiter
	logger    *zap.Logger
	opts      Options
	internals map[string]struct{}

	mu        sync.Mutex
	data      map[string]provider.Properties // asset name -> resource data
	iamLoaded map[string]bool                // parent -> IAM policies listed
}

// New creates the provider.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	assets, err := cloudasset.NewService(ctx, opts.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating Cloud Asset client: %w", err)
	}
	crm, err := cloudresourcemanager.NewService(ctx, opts.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating Resource Manager client: %w", err)
	}

	rl := opts.RateLimit
	if rl <= 0 {
		rl = defaultRateLimit
	}
	internals := make(map[string]struct{}, len(opts.InternalDomains))
	for _, d := range opts.InternalDomains {
		internals[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}

	return &Provider{
		assets:    assets,
		crm:       crm,
		limiter:   rate.NewLimiter(rate.Limit(rl), 1),
		logger:    logger,
		opts:      opts,
		internals: internals,
		data:      make(map[string]provider.Properties),
		iamLoaded: make(map[string]bool),
	}, nil
}

// Name returns "gcp".
func (p *Provider) Name() string { return "gcp" }

// DefaultScope returns the configured project, if any.
func (p *Provider) DefaultScope() (provider.Scope, bool) {
	if p.opts.DefaultProject == "" {
		return provider.Scope{}, false
	}
	return provider.Scope{Kind: provider.ScopeProject, ID: p.opts.DefaultProject}, true
}

func parent(scope provider.Scope) (string, error) {
	switch scope.Kind {
	case provider.ScopeProject:
		return "projects/" + scope.ID, nil
	case provider.ScopeOrganization:
		return "organizations/" + scope.ID, nil
	default:
		return "", fmt.Errorf("scope kind %q is not supported by the gcp provider", scope.Kind)
	}
}

// ListResources lists the assets under scope and caches their resource
// data for GetResourceProperties.
func (p *Provider) ListResources(ctx context.Context, scope provider.Scope) (out []provider.ResourceDescriptor, err error) {
	defer func() { metrics.RecordProviderCall("gcp_list_resources", err == nil) }()

	par, err := parent(scope)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	call := p.assets.Assets.List(par).ContentType("RESOURCE").PageSize(pageSize)
	if len(p.opts.AssetTypes) > 0 {
		call = call.AssetTypes(p.opts.AssetTypes...)
	}

	err = call.Pages(ctx, func(page *cloudasset.ListAssetsResponse) error {
		for _, a := range page.Assets {
			d := provider.ResourceDescriptor{
				ID:   a.Name,
				Name: shortName(a.Name),
				Type: a.AssetType,
			}
			if a.Resource != nil {
				d.Location = a.Resource.Location
				if len(a.Resource.Data) > 0 {
					var props provider.Properties
					if err := json.Unmarshal(a.Resource.Data, &props); err == nil {
						p.mu.Lock()
						p.data[a.Name] = props
						p.mu.Unlock()
					}
				}
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list_resources", par, err)
	}
	p.logger.Debug("listed assets", zap.String("parent", par), zap.Int("count", len(out)))
	return out, nil
}

// GetResourceProperties returns the resource data captured when listing,
// or the IAM policy of the resource for "<asset name>/iamPolicy".
func (p *Provider) GetResourceProperties(ctx context.Context, resourceID string) (provider.Properties, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := resourceID
	if base, ok := strings.CutSuffix(resourceID, iamPolicySuffix); ok {
		if err := p.loadIAMPolicies(ctx, base); err != nil {
			return nil, err
		}
		key = base + iamPolicySuffix
	}

	p.mu.Lock()
	props, ok := p.data[key]
	p.mu.Unlock()
	if !ok {
		return nil, provider.NewError("get_properties", resourceID, http.StatusNotFound, errors.New("not in asset inventory"))
	}
	return props, nil
}

// loadIAMPolicies lists the IAM policies of every asset under the project
// owning assetName, once per project.
func (p *Provider) loadIAMPolicies(ctx context.Context, assetName string) (err error) {
	par := p.opts.DefaultProject
	if par == "" {
		return provider.NewError("get_properties", assetName, http.StatusNotFound, errors.New("no project configured for IAM policy lookup"))
	}
	par = "projects/" + par

	p.mu.Lock()
	loaded := p.iamLoaded[par]
	p.mu.Unlock()
	if loaded {
		return nil
	}

	defer func() { metrics.RecordProviderCall("gcp_list_iam_policies", err == nil) }()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	policies := make(map[string]provider.Properties)
	err = p.assets.Assets.List(par).ContentType("IAM_POLICY").PageSize(pageSize).
		Pages(ctx, func(page *cloudasset.ListAssetsResponse) error {
			for _, a := range page.Assets {
				if a.IamPolicy == nil {
					continue
				}
				raw, err := json.Marshal(a.IamPolicy)
				if err != nil {
					return err
				}
				var props provider.Properties
				if err := json.Unmarshal(raw, &props); err != nil {
					return err
				}
				policies[a.Name+iamPolicySuffix] = props
			}
			return nil
		})
	if err != nil {
		return classify("list_iam_policies", par, err)
	}

	p.mu.Lock()
	for k, v := range policies {
		p.data[k] = v
	}
	p.iamLoaded[par] = true
	p.mu.Unlock()
	return nil
}

// GetRoleAssignments flattens the IAM policy bindings of the project or
// organization into one assignment per member and role.
func (p *Provider) GetRoleAssignments(ctx context.Context, scope provider.Scope) (out []provider.RoleAssignment, err error) {
	defer func() { metrics.RecordProviderCall("gcp_get_role_assignments", err == nil) }()

	par, err := parent(scope)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req := &cloudresourcemanager.GetIamPolicyRequest{
		Options: &cloudresourcemanager.GetPolicyOptions{RequestedPolicyVersion: 3},
	}
	var policy *cloudresourcemanager.Policy
	switch scope.Kind {
	case provider.ScopeOrganization:
		policy, err = p.crm.Organizations.GetIamPolicy(par, req).Context(ctx).Do()
	default:
		policy, err = p.crm.Projects.GetIamPolicy(par, req).Context(ctx).Do()
	}
	if err != nil {
		return nil, classify("get_role_assignments", par, err)
	}

	for _, b := range policy.Bindings {
		for _, m := range b.Members {
			typ, name := p.member(m)
			out = append(out, provider.RoleAssignment{
				ID:            b.Role + "|" + m,
				PrincipalID:   m,
				PrincipalName: name,
				PrincipalType: typ,
				RoleName:      b.Role,
				Scope:         par,
			})
		}
	}
	return out, nil
}

// member classifies an IAM member string ("user:alice@example.com").
func (p *Provider) member(m string) (provider.PrincipalType, string) {
	kind, name, _ := strings.Cut(m, ":")
	switch kind {
	case "user":
		if len(p.internals) > 0 && !p.isInternal(name) {
			return provider.PrincipalGuest, name
		}
		return provider.PrincipalUser, name
	case "group":
		return provider.PrincipalGroup, name
	case "serviceAccount":
		return provider.PrincipalServicePrincipal, name
	case "domain", "allUsers", "allAuthenticatedUsers":
		return provider.PrincipalForeign, name
	default:
		// deleted:*, principal:// and unknown forms.
		return provider.PrincipalUnknown, name
	}
}

func (p *Provider) isInternal(email string) bool {
	_, domain, ok := strings.Cut(email, "@")
	if !ok {
		return false
	}
	_, found := p.internals[strings.ToLower(domain)]
	return found
}

// shortName returns the last path element of an asset name.
func shortName(assetName string) string {
	if i := strings.LastIndex(assetName, "/"); i >= 0 {
		return assetName[i+1:]
	}
	return assetName
}

func classify(op, resource string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return provider.NewError(op, resource, gerr.Code, err)
	}
	return provider.NewError(op, resource, 0, err)
}
