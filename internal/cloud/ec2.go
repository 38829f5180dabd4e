package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"github.com/junovale/clusterdash/internal/models"
)

const metadataBase = "http://169.254.169.254/latest/meta-data"

// metadata fetches are retried a few times; the metadata service can be
// slow right after boot.
const metadataAttempts = 5

// EC2Options configures the EC2 interface. Endpoint overrides allow the
// same client to talk to an OpenStack deployment exposing the EC2 API.
type EC2Options struct {
	AccessKey string
	SecretKey string
	Region    string
	// Endpoint, when set, overrides the EC2 API endpoint (OpenStack).
	Endpoint string
	// MetadataURL overrides the metadata service base URL; used in tests.
	MetadataURL string

	ImageID        string
	KeyName        string
	SecurityGroups []string
}

// EC2 implements Interface against the EC2 API (or an EC2-compatible
// endpoint) plus the instance metadata service.
type EC2 struct {
	client *ec2.Client
	opts   EC2Options
	http   *http.Client
	log    *zap.Logger

	mu   sync.Mutex
	meta map[string]string // cached metadata values
}

// NewEC2 builds the EC2 cloud interface. Credentials may be empty, in
// which case the default AWS credential chain is used.
func NewEC2(ctx context.Context, opts EC2Options, log *zap.Logger) (*EC2, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	if opts.MetadataURL == "" {
		opts.MetadataURL = metadataBase
	}
	return &EC2{
		client: client,
		opts:   opts,
		http:   &http.Client{Timeout: 3 * time.Second},
		log:    log.Named("ec2"),
		meta:   make(map[string]string),
	}, nil
}

// getMetadata fetches one metadata path with retries and caches the
// result.
func (c *EC2) getMetadata(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	if v, ok := c.meta[path]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	var lastErr error
	for i := 0; i < metadataAttempts; i++ {
		c.log.Debug("gathering instance metadata", zap.String("path", path), zap.Int("attempt", i))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.MetadataURL+"/"+path, nil)
		if err != nil {
			return "", err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("metadata %s: status %d", path, resp.StatusCode)
			continue
		}
		v := strings.TrimSpace(string(body))
		if v == "" {
			lastErr = fmt.Errorf("metadata %s: empty response", path)
			continue
		}
		c.mu.Lock()
		c.meta[path] = v
		c.mu.Unlock()
		return v, nil
	}
	return "", fmt.Errorf("metadata %s after %d attempts: %w", path, metadataAttempts, lastErr)
}

func (c *EC2) GetInstanceID(ctx context.Context) (string, error) {
	return c.getMetadata(ctx, "instance-id")
}

func (c *EC2) GetInstanceType(ctx context.Context) (string, error) {
	return c.getMetadata(ctx, "instance-type")
}

func (c *EC2) GetZone(ctx context.Context) (string, error) {
	return c.getMetadata(ctx, "placement/availability-zone")
}

func (c *EC2) GetAMI(ctx context.Context) (string, error) {
	return c.getMetadata(ctx, "ami-id")
}

func (c *EC2) GetPublicIP(ctx context.Context) (string, error) {
	return c.getMetadata(ctx, "public-ipv4")
}

func (c *EC2) GetPrivateIP(ctx context.Context) (string, error) {
	return c.getMetadata(ctx, "local-ipv4")
}

func (c *EC2) GetSecurityGroups(ctx context.Context) ([]string, error) {
	if len(c.opts.SecurityGroups) > 0 {
		return c.opts.SecurityGroups, nil
	}
	v, err := c.getMetadata(ctx, "security-groups")
	if err != nil {
		return nil, err
	}
	return strings.Fields(v), nil
}

func (c *EC2) GetKeyPairName(ctx context.Context) (string, error) {
	if c.opts.KeyName != "" {
		return c.opts.KeyName, nil
	}
	return c.getMetadata(ctx, "public-keys/0/openssh-key")
}

// DescribeInstances returns the current cloud-side view of the given
// instances, or of the whole fleet when no ids are given.
func (c *EC2) DescribeInstances(ctx context.Context, ids ...string) ([]VMInfo, error) {
	input := &ec2.DescribeInstancesInput{}
	if len(ids) > 0 {
		input.InstanceIds = ids
	}
	out, err := c.client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}
	var infos []VMInfo
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			infos = append(infos, vmInfoFromEC2(inst))
		}
	}
	if len(ids) > 0 && len(infos) == 0 {
		return nil, ErrInstanceNotFound
	}
	return infos, nil
}

// RunInstances launches worker instances. Spot requests are placed when
// a bid price is set.
func (c *EC2) RunInstances(ctx context.Context, spec LaunchSpec) ([]VMInfo, error) {
	input := &ec2.RunInstancesInput{
		ImageId:        aws.String(c.opts.ImageID),
		InstanceType:   ec2types.InstanceType(spec.InstanceType),
		MinCount:       aws.Int32(int32(spec.Count)),
		MaxCount:       aws.Int32(int32(spec.Count)),
		SecurityGroups: c.opts.SecurityGroups,
	}
	if c.opts.KeyName != "" {
		input.KeyName = aws.String(c.opts.KeyName)
	}
	if spec.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}
	if spec.SpotPrice != "" {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				MaxPrice: aws.String(spec.SpotPrice),
			},
		}
	}
	out, err := c.client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("run instances: %w", err)
	}
	infos := make([]VMInfo, 0, len(out.Instances))
	for _, inst := range out.Instances {
		infos = append(infos, vmInfoFromEC2(inst))
	}
	c.log.Info("launched instances", zap.Int("count", len(infos)),
		zap.String("type", spec.InstanceType), zap.Bool("spot", spec.SpotPrice != ""))
	return infos, nil
}

func (c *EC2) TerminateInstances(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		return fmt.Errorf("terminate instances: %w", err)
	}
	c.log.Info("terminated instances", zap.Strings("ids", ids))
	return nil
}

func (c *EC2) RebootInstances(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.client.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: ids})
	if err != nil {
		return fmt.Errorf("reboot instances: %w", err)
	}
	c.log.Info("rebooted instances", zap.Strings("ids", ids))
	return nil
}

func vmInfoFromEC2(inst ec2types.Instance) VMInfo {
	info := VMInfo{
		ID:   aws.ToString(inst.InstanceId),
		Type: string(inst.InstanceType),
	}
	if inst.State != nil {
		info.State = models.InstanceState(inst.State.Name)
	}
	info.PublicIP = aws.ToString(inst.PublicIpAddress)
	info.PrivateIP = aws.ToString(inst.PrivateIpAddress)
	if inst.AmiLaunchIndex != nil {
		info.LaunchIdx = int(*inst.AmiLaunchIndex)
	}
	return info
}
