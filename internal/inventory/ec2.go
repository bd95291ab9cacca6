package inventory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/metrics"
	"github.com/telemyapp/fleet-control-plane/internal/model"
)

const (
	strengthTag = "FleetStrength"
	poolsTag    = "FleetPools"
	defaultPool = "default"
)

type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

type EC2Options struct {
	Regions  []string
	TagKey   string
	TagValue string
	// SecretTag names the instance tag holding the media server secret.
	SecretTag string
	// URLTemplate turns the public host into a base URL, e.g. "https://%s/bigbluebutton/".
	URLTemplate string
}

// EC2Source discovers running media servers by tag.
type EC2Source struct {
	opts      EC2Options
	newClient func(ctx context.Context, region string) (EC2API, error)
	log       logger.Logger
}

func NewEC2Source(opts EC2Options, log logger.Logger) (*EC2Source, error) {
	if len(opts.Regions) == 0 {
		return nil, fmt.Errorf("at least one region is required")
	}
	if strings.TrimSpace(opts.TagKey) == "" || strings.TrimSpace(opts.SecretTag) == "" {
		return nil, fmt.Errorf("tag key and secret tag are required")
	}
	if !strings.Contains(opts.URLTemplate, "%s") {
		return nil, fmt.Errorf("url template must contain %%s")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &EC2Source{opts: opts, newClient: defaultEC2Client, log: log}, nil
}

func defaultEC2Client(ctx context.Context, region string) (EC2API, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

func (s *EC2Source) Name() string { return "ec2" }

func (s *EC2Source) Load(ctx context.Context) (Inventory, error) {
	var inv Inventory
	for _, region := range s.opts.Regions {
		client, err := s.newClient(ctx, region)
		if err != nil {
			return Inventory{}, err
		}
		instances, err := s.describe(ctx, client, region)
		if err != nil {
			return Inventory{}, err
		}
		for _, inst := range instances {
			spec, ok := s.serverSpec(inst)
			if !ok {
				continue
			}
			inv.Servers = append(inv.Servers, spec)
		}
	}
	return inv, nil
}

func (s *EC2Source) describe(ctx context.Context, client EC2API, region string) ([]ec2types.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + s.opts.TagKey), Values: []string{s.opts.TagValue}},
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	}

	var out []ec2types.Instance
	for {
		var page *ec2.DescribeInstancesOutput
		start := time.Now()
		err := retryAWS(ctx, s.log, "describe_instances", region, func(callCtx context.Context) error {
			var callErr error
			page, callErr = client.DescribeInstances(callCtx, input)
			return callErr
		})
		status := "ok"
		if err != nil {
			status = "error"
		}
		labels := map[string]string{"op": "describe_instances", "region": region, "status": status}
		metrics.Default().IncCounter("fleet_aws_operations_total", labels)
		metrics.Default().ObserveHistogram("fleet_aws_operation_latency_ms", float64(time.Since(start).Milliseconds()), labels)
		if err != nil {
			return nil, fmt.Errorf("describe instances in %s: %w", region, err)
		}

		for _, res := range page.Reservations {
			out = append(out, res.Instances...)
		}
		if aws.ToString(page.NextToken) == "" {
			return out, nil
		}
		input.NextToken = page.NextToken
	}
}

func (s *EC2Source) serverSpec(inst ec2types.Instance) (model.ServerSpec, bool) {
	id := aws.ToString(inst.InstanceId)
	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	host := strings.TrimSpace(aws.ToString(inst.PublicDnsName))
	if host == "" {
		host = strings.TrimSpace(aws.ToString(inst.PublicIpAddress))
	}
	secret := strings.TrimSpace(tags[s.opts.SecretTag])
	if host == "" || secret == "" {
		s.log.Warn("skipping instance without public host or secret tag", logger.String("instance_id", id))
		return model.ServerSpec{}, false
	}

	name := strings.TrimSpace(tags["Name"])
	if name == "" {
		name = id
	}
	strength := 1
	if raw := strings.TrimSpace(tags[strengthTag]); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 {
			strength = n
		}
	}
	pools := splitList(tags[poolsTag])
	if len(pools) == 0 {
		pools = []string{defaultPool}
	}

	return model.ServerSpec{
		Name:     name,
		BaseURL:  fmt.Sprintf(s.opts.URLTemplate, host),
		Secret:   secret,
		Strength: strength,
		Status:   model.ServerOnline,
		Pools:    pools,
	}, true
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
