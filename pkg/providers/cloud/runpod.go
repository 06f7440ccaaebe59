package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/teraunit/teraunit/pkg/engine"
)

// RunPod drives the RunPod GraphQL API. The agent is passed base64-encoded
// inside the container's docker arguments so no quoting reaches GraphQL.
type RunPod struct {
	url    string
	image  string
	client *apiClient
}

// NewRunPod creates the RunPod provider.
func NewRunPod(url, image string, client *apiClient) *RunPod {
	return &RunPod{url: url, image: image, client: client}
}

func (r *RunPod) Name() engine.ProviderName { return engine.ProviderRunPod }

const runPodDeployMutation = `mutation {
  podFindAndDeployOnDemand(
    input: {
      cloudType: ALL,
      gpuCount: 1,
      volumeInGb: 40,
      containerDiskInGb: 40,
      minVcpuCount: 2,
      minMemoryInGb: 15,
      gpuTypeId: %s,
      name: "teraunit-worker",
      imageName: %s,
      dockerArgs: %s,
      env: [{ key: "TERA_MODE", value: "active" }]
    }
  ) {
    id
  }
}
`

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// query posts a GraphQL document and decodes data into out.
func (r *RunPod) query(ctx context.Context, operation, key, doc string, out any) error {
	var resp graphQLResponse
	if err := r.client.do(ctx, operation, http.MethodPost, r.url, key, map[string]string{"query": doc}, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return &ProviderError{Provider: engine.ProviderRunPod, Operation: operation, Message: graphQLMessage(resp.Errors)}
	}
	if out == nil {
		return nil
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return &ProviderError{Provider: engine.ProviderRunPod, Operation: operation, Message: "empty response data"}
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return &ProviderError{Provider: engine.ProviderRunPod, Operation: operation, Message: "malformed response", Err: err}
	}
	return nil
}

// Launch implements Provider.
func (r *RunPod) Launch(ctx context.Context, req engine.LaunchRequest, key, agentScript string) (string, error) {
	encoded := base64.StdEncoding.EncodeToString([]byte(agentScript))
	dockerArgs := "/bin/bash -c 'echo " + encoded + " | base64 -d | bash'"

	doc := fmt.Sprintf(runPodDeployMutation, gqlString(req.InstanceType), gqlString(r.image), gqlString(dockerArgs))

	var data struct {
		Pod *struct {
			ID string `json:"id"`
		} `json:"podFindAndDeployOnDemand"`
	}
	if err := r.query(ctx, "launch", key, doc, &data); err != nil {
		return "", err
	}
	if data.Pod == nil || data.Pod.ID == "" {
		return "", &ProviderError{Provider: engine.ProviderRunPod, Operation: "launch", Message: "no pod returned, instance unavailable"}
	}
	return data.Pod.ID, nil
}

// Terminate implements Provider.
func (r *RunPod) Terminate(ctx context.Context, instanceID, key string) error {
	doc := fmt.Sprintf("mutation { podTerminate(input: { podId: %s }) }", gqlString(instanceID))
	err := r.query(ctx, "terminate", key, doc, nil)
	if IsNotFound(err) || podGone(err) {
		return nil
	}
	return err
}

// podGone reports a GraphQL error on a successful HTTP exchange saying the
// pod does not exist. Transport and HTTP-status failures never qualify.
func podGone(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 0 || pe.Err != nil {
		return false
	}
	msg := strings.ToLower(pe.Message)
	if !strings.Contains(msg, "pod") {
		return false
	}
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}

// Verify authenticates the key and requires a positive account balance.
func (r *RunPod) Verify(ctx context.Context, _ engine.LaunchRequest, key string) error {
	var data struct {
		Myself *struct {
			ID            string      `json:"id"`
			ClientBalance json.Number `json:"clientBalance"`
		} `json:"myself"`
	}
	if err := r.query(ctx, "verify", key, "query { myself { id clientBalance } }", &data); err != nil {
		return err
	}
	if data.Myself == nil || data.Myself.ID == "" {
		return &ProviderError{Provider: engine.ProviderRunPod, Operation: "verify", Message: "unauthorized: no account for key"}
	}

	balance, err := strconv.ParseFloat(data.Myself.ClientBalance.String(), 64)
	if err != nil || balance <= 0 {
		return &ProviderError{Provider: engine.ProviderRunPod, Operation: "verify", Message: "insufficient balance"}
	}
	return nil
}

// gqlString renders s as a GraphQL string literal. Every JSON string escape
// is also a GraphQL escape.
func gqlString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
