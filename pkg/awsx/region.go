package awsx

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// FallbackRegion is used when no other source yields a region.
const FallbackRegion = "us-east-1"

// imdsTimeout bounds each instance-metadata request. The metadata service
// is link-local; anything slower means we are not on EC2.
const imdsTimeout = 1 * time.Second

// RegionResolver determines the operating region. Resolution is re-entrant
// and side-effect-free; every step is best-effort and falls through on
// failure.
type RegionResolver struct {
	// imdsEndpoint overrides the metadata endpoint, for tests.
	imdsEndpoint string

	// lookupEnv overrides environment lookup, for tests.
	lookupEnv func(string) string
}

// RegionResolverOption customizes a RegionResolver.
type RegionResolverOption func(*RegionResolver)

// WithIMDSEndpoint points the resolver at an alternate metadata endpoint.
func WithIMDSEndpoint(endpoint string) RegionResolverOption {
	return func(r *RegionResolver) { r.imdsEndpoint = endpoint }
}

// WithEnvLookup replaces the environment lookup function.
func WithEnvLookup(fn func(string) string) RegionResolverOption {
	return func(r *RegionResolver) { r.lookupEnv = fn }
}

// NewRegionResolver creates a resolver with the given options.
func NewRegionResolver(opts ...RegionResolverOption) *RegionResolver {
	r := &RegionResolver{lookupEnv: os.Getenv}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the operating region. Precedence: explicit value,
// AWS_REGION, AWS_DEFAULT_REGION, instance metadata (IMDSv2 token
// protocol), then the hardcoded fallback. It never returns an error.
func (r *RegionResolver) Resolve(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := r.lookupEnv("AWS_REGION"); v != "" {
		return v
	}
	if v := r.lookupEnv("AWS_DEFAULT_REGION"); v != "" {
		return v
	}
	if v := r.fromInstanceMetadata(ctx); v != "" {
		return v
	}
	return FallbackRegion
}

// fromInstanceMetadata asks the metadata service for the instance identity
// document and extracts its region. The imds client handles the IMDSv2
// token exchange (PUT for a short-lived token, then the document fetch).
func (r *RegionResolver) fromInstanceMetadata(ctx context.Context) string {
	opts := imds.Options{
		HTTPClient: &http.Client{Timeout: imdsTimeout},
		Retryer:    aws.NopRetryer{},
	}
	if r.imdsEndpoint != "" {
		opts.Endpoint = r.imdsEndpoint
	}
	client := imds.New(opts)

	ctx, cancel := context.WithTimeout(ctx, 2*imdsTimeout)
	defer cancel()

	out, err := client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return ""
	}
	return out.Region
}

// LoadConfig loads the AWS client configuration for the given region with
// the SDK's own retry layer disabled. ladpipe owns retry; double-retrying
// would stretch every backoff budget.
func LoadConfig(ctx context.Context, region string) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
}
