package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ladpipe/ladpipe/pkg/provision"
	"github.com/ladpipe/ladpipe/pkg/stores"
	"github.com/ladpipe/ladpipe/pkg/telemetry"
)

func newLaunchCommand() *cobra.Command {
	var (
		req       provision.Request
		bootstrap provision.BootstrapConfig
		tenancy   string
		tags      map[string]string
		noHistory bool
	)

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a GPU instance running the inference server",
		Long: `Launch an EC2 instance bootstrapped with the inference server and wait
until it is ready.

The launch proceeds through bounded-wait stages: the instance must reach
the running state, pass both platform status checks in the same poll,
optionally take an elastic IP and register with a target group, and
finally answer the application health probe. Each stage has its own
deadline; exceeding one ends the launch with a timeout.

The launch API call itself is issued exactly once and never retried, so
a failed launch can not leave a second instance behind.`,
		Example: `  # Launch with config-file defaults
  ladpipe launch --image ami-0123456789 --type g5.xlarge

  # Pin to a dedicated host
  ladpipe launch --image ami-0123456789 --type g5.xlarge \
    --tenancy host --host-id h-0abc --availability-zone us-east-1a

  # Serve a specific model behind a target group
  ladpipe launch --image ami-0123456789 --type g5.2xlarge \
    --model meta-llama/Llama-3.1-8B-Instruct \
    --target-group arn:aws:elasticloadbalancing:...:targetgroup/llm/abc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.shutdown(ctx)

			mergeLaunchDefaults(&req, &bootstrap, a)
			if tenancy != "" {
				req.Tenancy = provision.Tenancy(tenancy)
			}
			if len(tags) > 0 {
				req.Tags = tags
			}

			if bootstrap.ContainerImage != "" {
				bootstrap.Region = a.region
				bootstrap.Port = req.Port
				userData, err := provision.BuildUserData(bootstrap)
				if err != nil {
					return err
				}
				req.UserData = userData
			}

			if !noHistory {
				if err := a.openStore(ctx); err != nil {
					return err
				}
				defer a.closeStore()
			}

			machine := provision.NewMachine(
				ec2.NewFromConfig(a.aws),
				elasticloadbalancingv2.NewFromConfig(a.aws),
				a.exec,
			)

			runID := uuid.NewString()
			ctx = telemetry.WithRunContext(a.tel.WithContext(ctx), runID, "launch")
			recordLaunchStart(ctx, a, runID, &req, noHistory)

			result, err := machine.Launch(ctx, &req)
			recordLaunchEnd(ctx, a, runID, result, err, noHistory)

			runStatus := "succeeded"
			if err != nil {
				runStatus = "failed"
			}
			telemetry.EndRunContext(ctx, "launch", runStatus, err)

			if result != nil {
				printLaunchResult(result)
			}
			if err != nil {
				var stageErr *provision.StageError
				if errors.As(err, &stageErr) {
					log.Error().
						Str("stage", string(stageErr.Stage)).
						Str("state", string(stageErr.State)).
						Str("instance_id", stageErr.InstanceID).
						Msg("Launch did not reach ready")
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ImageID, "image", "", "AMI id")
	cmd.Flags().StringVar(&req.InstanceType, "type", "", "instance type")
	cmd.Flags().StringVar(&req.SubnetID, "subnet", "", "subnet id")
	cmd.Flags().StringSliceVar(&req.SecurityGroupIDs, "security-group", nil, "security group ids")
	cmd.Flags().StringVar(&req.KeyName, "key-name", "", "key pair name")
	cmd.Flags().StringVar(&req.IamProfile, "iam-profile", "", "instance profile name")
	cmd.Flags().StringVar(&tenancy, "tenancy", "", "placement tenancy (shared, dedicated, host)")
	cmd.Flags().StringVar(&req.HostID, "host-id", "", "dedicated host id (host tenancy)")
	cmd.Flags().StringVar(&req.AvailabilityZone, "availability-zone", "", "availability zone (host tenancy)")
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "instance tags (key=value)")
	cmd.Flags().StringVar(&req.AllocationID, "allocation-id", "", "elastic IP allocation to associate")
	cmd.Flags().StringVar(&req.TargetGroupARN, "target-group", "", "target group ARN to register with")
	cmd.Flags().IntVar(&req.Port, "port", 0, "inference server port")
	cmd.Flags().StringVar(&req.HealthPath, "health-path", "", "application health path (empty disables the probe)")
	cmd.Flags().IntVar(&req.ExpectedStatus, "expected-status", 0, "HTTP status that counts as healthy")
	cmd.Flags().DurationVar(&req.PollInterval, "poll-interval", 0, "interval between status polls")
	cmd.Flags().StringVar(&bootstrap.ContainerImage, "container-image", "", "inference server container image")
	cmd.Flags().StringVar(&bootstrap.Model, "model", "", "model identifier to serve")
	cmd.Flags().StringVar(&bootstrap.TokenParameter, "token-parameter", "", "SSM parameter holding the model hub token")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "skip run history recording")

	return cmd
}

// mergeLaunchDefaults fills unset request fields from the config file.
func mergeLaunchDefaults(req *provision.Request, bootstrap *provision.BootstrapConfig, a *app) {
	def := a.cfg.Provision
	if req.ImageID == "" {
		req.ImageID = def.Request.ImageID
	}
	if req.InstanceType == "" {
		req.InstanceType = def.Request.InstanceType
	}
	if req.SubnetID == "" {
		req.SubnetID = def.Request.SubnetID
	}
	if len(req.SecurityGroupIDs) == 0 {
		req.SecurityGroupIDs = def.Request.SecurityGroupIDs
	}
	if req.KeyName == "" {
		req.KeyName = def.Request.KeyName
	}
	if req.IamProfile == "" {
		req.IamProfile = def.Request.IamProfile
	}
	if req.Tenancy == "" {
		req.Tenancy = def.Request.Tenancy
	}
	if req.HostID == "" {
		req.HostID = def.Request.HostID
	}
	if req.AvailabilityZone == "" {
		req.AvailabilityZone = def.Request.AvailabilityZone
	}
	if req.Tags == nil {
		req.Tags = def.Request.Tags
	}
	if req.AllocationID == "" {
		req.AllocationID = def.Request.AllocationID
	}
	if req.TargetGroupARN == "" {
		req.TargetGroupARN = def.Request.TargetGroupARN
	}
	if req.Port == 0 {
		req.Port = def.Request.Port
	}
	if req.HealthPath == "" {
		req.HealthPath = def.Request.HealthPath
	}
	if req.ExpectedStatus == 0 {
		req.ExpectedStatus = def.Request.ExpectedStatus
	}
	if req.PollInterval == 0 {
		req.PollInterval = def.Request.PollInterval
	}
	if req.Waits == (provision.WaitBudgets{}) {
		req.Waits = def.Request.Waits
	}
	if bootstrap.ContainerImage == "" {
		bootstrap.ContainerImage = def.Bootstrap.ContainerImage
	}
	if bootstrap.ContainerName == "" {
		bootstrap.ContainerName = def.Bootstrap.ContainerName
	}
	if bootstrap.Model == "" {
		bootstrap.Model = def.Bootstrap.Model
	}
	if bootstrap.TokenParameter == "" {
		bootstrap.TokenParameter = def.Bootstrap.TokenParameter
	}
	if len(bootstrap.ExtraArgs) == 0 {
		bootstrap.ExtraArgs = def.Bootstrap.ExtraArgs
	}
}

func recordLaunchStart(ctx context.Context, a *app, runID string, req *provision.Request, skip bool) {
	if skip {
		return
	}
	now := time.Now()
	meta, _ := json.Marshal(map[string]string{
		"image_id":      req.ImageID,
		"instance_type": req.InstanceType,
		"tenancy":       string(req.Tenancy),
	})
	if err := a.store.CreateRun(ctx, &stores.Run{
		ID:        runID,
		Kind:      stores.RunKindLaunch,
		Status:    stores.RunStatusRunning,
		Region:    a.region,
		StartedAt: now,
		Metadata:  string(meta),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		log.Warn().Err(err).Msg("Recording launch run failed")
	}
}

func recordLaunchEnd(ctx context.Context, a *app, runID string, result *provision.Result, launchErr error, skip bool) {
	if skip {
		return
	}

	status := stores.RunStatusSucceeded
	var errMsg *string
	if launchErr != nil {
		status = stores.RunStatusFailed
		msg := launchErr.Error()
		errMsg = &msg
	}
	if err := a.store.UpdateRunStatus(ctx, runID, status, errMsg); err != nil {
		log.Warn().Err(err).Msg("Recording launch status failed")
	}

	if result == nil || result.InstanceID == "" {
		return
	}
	now := time.Now()
	instance := &stores.Instance{
		ID:         uuid.NewString(),
		RunID:      runID,
		InstanceID: result.InstanceID,
		State:      string(result.State),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if result.PublicIP != "" {
		instance.PublicIP = &result.PublicIP
	}
	if result.PublicDNS != "" {
		instance.PublicDNS = &result.PublicDNS
	}
	if result.APIURL != "" {
		instance.APIURL = &result.APIURL
	}
	if err := a.store.CreateInstance(ctx, instance); err != nil {
		log.Warn().Err(err).Msg("Recording instance failed")
	}
}

func printLaunchResult(result *provision.Result) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}
	fmt.Printf("instance:  %s\n", result.InstanceID)
	fmt.Printf("state:     %s\n", result.State)
	if result.PublicIP != "" {
		fmt.Printf("public ip: %s\n", result.PublicIP)
	}
	if result.PublicDNS != "" {
		fmt.Printf("dns:       %s\n", result.PublicDNS)
	}
	if result.APIURL != "" {
		fmt.Printf("api:       %s\n", result.APIURL)
	}
}
