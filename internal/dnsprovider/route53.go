package dnsprovider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"go.uber.org/zap"
)

// Route53API is the part of the Route53 client the provider uses.
type Route53API interface {
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	ListHostedZonesByName(ctx context.Context, in *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
}

// Route53 publishes records in an AWS hosted zone. Credentials come from the
// default AWS chain.
type Route53 struct {
	api     Route53API
	zoneID  string
	ttl     int64
	checker *PropagationChecker
	logger  *zap.Logger

	mu    sync.Mutex
	zones map[string]string
}

var _ Provider = (*Route53)(nil)

// NewRoute53 loads AWS configuration for region. zoneID may be empty, in which
// case the zone is looked up from the domain.
func NewRoute53(ctx context.Context, region, zoneID string, ttl int, checker *PropagationChecker, logger *zap.Logger) (*Route53, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("dnsprovider: failed to load AWS configuration: %w", err)
	}
	return NewRoute53WithAPI(route53.NewFromConfig(cfg), zoneID, ttl, checker, logger), nil
}

// NewRoute53WithAPI builds the provider around an existing client.
func NewRoute53WithAPI(api Route53API, zoneID string, ttl int, checker *PropagationChecker, logger *zap.Logger) *Route53 {
	if logger == nil {
		logger = zap.L()
	}
	return &Route53{
		api:     api,
		zoneID:  zoneID,
		ttl:     int64(ttl),
		checker: checker,
		logger:  logger.With(zap.String("package", "dnsprovider"), zap.String("provider", "route53")),
		zones:   map[string]string{},
	}
}

func (r *Route53) Name() string { return "route53" }

// apexOf returns the last two labels of domain, e.g. "example.com".
func apexOf(domain string) string {
	labels := strings.Split(strings.TrimSuffix(domain, "."), ".")
	if len(labels) <= 2 {
		return strings.Join(labels, ".")
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

func (r *Route53) hostedZone(ctx context.Context, domain string) (string, error) {
	if r.zoneID != "" {
		return r.zoneID, nil
	}
	apex := apexOf(domain)
	r.mu.Lock()
	id, ok := r.zones[apex]
	r.mu.Unlock()
	if ok {
		return id, nil
	}

	out, err := r.api.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
		DNSName:  aws.String(apex + "."),
		MaxItems: aws.Int32(1),
	})
	if err != nil {
		return "", fmt.Errorf("dnsprovider: failed to look up hosted zone for %s: %w", apex, err)
	}
	for _, z := range out.HostedZones {
		if strings.TrimSuffix(aws.ToString(z.Name), ".") == apex {
			id = strings.TrimPrefix(aws.ToString(z.Id), "/hostedzone/")
			r.mu.Lock()
			r.zones[apex] = id
			r.mu.Unlock()
			return id, nil
		}
	}
	return "", fmt.Errorf("dnsprovider: no hosted zone found for %s", apex)
}

func (r *Route53) change(ctx context.Context, action types.ChangeAction, rec Record) error {
	zone, err := r.hostedZone(ctx, rec.Domain)
	if err != nil {
		return err
	}
	_, err = r.api.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zone),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("certpilot dns-01 challenge"),
			Changes: []types.Change{{
				Action: action,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name: aws.String(rec.FQDN),
					Type: types.RRTypeTxt,
					TTL:  aws.Int64(r.ttl),
					ResourceRecords: []types.ResourceRecord{
						{Value: aws.String(strconv.Quote(rec.Value))},
					},
				},
			}},
		},
	})
	return err
}

func (r *Route53) AddTXTRecord(ctx context.Context, rec Record) error {
	if err := r.change(ctx, types.ChangeActionUpsert, rec); err != nil {
		return fmt.Errorf("dnsprovider: failed to upsert TXT record %s: %w", rec.FQDN, err)
	}
	r.logger.Info("TXT record upserted", zap.String("fqdn", rec.FQDN))
	return nil
}

// RemoveTXTRecord is best effort; failures are logged and not returned.
func (r *Route53) RemoveTXTRecord(ctx context.Context, rec Record) error {
	if err := r.change(ctx, types.ChangeActionDelete, rec); err != nil {
		r.logger.Warn("failed to delete TXT record", zap.String("fqdn", rec.FQDN), zap.Error(err))
		return nil
	}
	r.logger.Info("TXT record deleted", zap.String("fqdn", rec.FQDN))
	return nil
}

func (r *Route53) WaitForPropagation(ctx context.Context, rec Record, timeout time.Duration) bool {
	return r.checker.Wait(ctx, rec.FQDN, rec.Value, timeout)
}
