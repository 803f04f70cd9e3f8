package provision

import (
	"fmt"
	"strings"
	"text/template"
)

// BootstrapConfig describes the inference server the launched instance
// should run. The generated script is idempotent: rerunning it replaces
// the container instead of failing on a name collision.
type BootstrapConfig struct {
	// ContainerImage is the inference server image to run.
	ContainerImage string `yaml:"containerImage" validate:"required"`

	// ContainerName names the running container so reruns can replace it.
	ContainerName string `yaml:"containerName"`

	// Model is the model identifier passed to the server.
	Model string `yaml:"model" validate:"required"`

	// Port is the host port mapped to the server's listen port.
	Port int `yaml:"port"`

	// TokenParameter, when set, is the SSM parameter holding the model
	// hub access token. Lookup failure degrades to an empty token so
	// public models still work on instances without the SSM permission.
	TokenParameter string `yaml:"tokenParameter"`

	// Region is passed to the SSM lookup.
	Region string `yaml:"region"`

	// ExtraArgs are appended verbatim to the serve command.
	ExtraArgs []string `yaml:"extraArgs"`
}

const bootstrapScript = `#!/bin/bash
set -uo pipefail

if ! command -v docker >/dev/null 2>&1; then
  dnf install -y docker || yum install -y docker || apt-get install -y docker.io
  systemctl enable --now docker
fi

TOKEN=""
{{- if .TokenParameter}}
TOKEN="$(aws ssm get-parameter --name {{.TokenParameter}} --with-decryption --region {{.Region}} --query Parameter.Value --output text 2>/dev/null || true)"
{{- end}}

mkdir -p /etc/{{.ContainerName}}
cat > /etc/{{.ContainerName}}/env <<EOF
HUGGING_FACE_HUB_TOKEN=${TOKEN}
EOF
chmod 600 /etc/{{.ContainerName}}/env

docker pull {{.ContainerImage}}
docker rm -f {{.ContainerName}} 2>/dev/null || true
docker run -d \
  --name {{.ContainerName}} \
  --restart unless-stopped \
  --gpus all \
  --env-file /etc/{{.ContainerName}}/env \
  -p {{.Port}}:8000 \
  {{.ContainerImage}} \
  --model {{.Model}}{{range .ExtraArgs}} {{.}}{{end}}
`

var bootstrapTmpl = template.Must(template.New("bootstrap").Parse(bootstrapScript))

// BuildUserData renders the instance bootstrap script for cfg.
func BuildUserData(cfg BootstrapConfig) (string, error) {
	if cfg.ContainerImage == "" {
		return "", fmt.Errorf("userdata: container image is required")
	}
	if cfg.Model == "" {
		return "", fmt.Errorf("userdata: model is required")
	}
	if cfg.ContainerName == "" {
		cfg.ContainerName = "vllm"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.TokenParameter != "" && cfg.Region == "" {
		return "", fmt.Errorf("userdata: region is required when a token parameter is set")
	}

	var sb strings.Builder
	if err := bootstrapTmpl.Execute(&sb, cfg); err != nil {
		return "", fmt.Errorf("userdata: rendering script: %w", err)
	}
	return sb.String(), nil
}
