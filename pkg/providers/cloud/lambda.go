package cloud

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/teraunit/teraunit/pkg/auth"
	"github.com/teraunit/teraunit/pkg/engine"
)

// Lambda drives the Lambda Cloud REST API. The agent is delivered as
// cloud-init user data.
type Lambda struct {
	baseURL string
	client  *apiClient
	now     func() time.Time
}

// NewLambda creates the Lambda provider.
func NewLambda(baseURL string, client *apiClient) *Lambda {
	return &Lambda{baseURL: strings.TrimRight(baseURL, "/"), client: client, now: time.Now}
}

func (l *Lambda) Name() engine.ProviderName { return engine.ProviderLambda }

type lambdaLaunchRequest struct {
	RegionName       string   `json:"region_name"`
	InstanceTypeName string   `json:"instance_type_name"`
	SSHKeyNames      []string `json:"ssh_key_names"`
	Quantity         int      `json:"quantity"`
	Name             string   `json:"name"`
	UserData         string   `json:"user_data"`
}

type lambdaLaunchResponse struct {
	Data *struct {
		InstanceIDs []string `json:"instance_ids"`
	} `json:"data"`
}

// Launch implements Provider.
func (l *Lambda) Launch(ctx context.Context, req engine.LaunchRequest, key, agentScript string) (string, error) {
	userData, err := CloudInitUserData(agentScript)
	if err != nil {
		return "", err
	}

	body := lambdaLaunchRequest{
		RegionName:       req.Region,
		InstanceTypeName: req.InstanceType,
		SSHKeyNames:      []string{auth.SanitizeHumanIdentifier(req.SSHKeyName)},
		Quantity:         1,
		Name:             fmt.Sprintf("teraunit-worker-%d", l.now().UnixMilli()),
		UserData:         userData,
	}

	var resp lambdaLaunchResponse
	if err := l.client.do(ctx, "launch", http.MethodPost, l.baseURL+"/api/v1/instance-operations/launch", key, body, &resp); err != nil {
		return "", err
	}
	if resp.Data == nil || len(resp.Data.InstanceIDs) == 0 || resp.Data.InstanceIDs[0] == "" {
		return "", &ProviderError{Provider: engine.ProviderLambda, Operation: "launch", Message: "invalid response from Lambda launch"}
	}
	return resp.Data.InstanceIDs[0], nil
}

// Terminate implements Provider.
func (l *Lambda) Terminate(ctx context.Context, instanceID, key string) error {
	body := map[string][]string{"instance_ids": {instanceID}}
	err := l.client.do(ctx, "terminate", http.MethodPost, l.baseURL+"/api/v1/instance-operations/terminate", key, body, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

type lambdaSSHKeysResponse struct {
	Data []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		PublicKey string `json:"public_key"`
	} `json:"data"`
}

// Verify lists the account's SSH keys and requires the requested key to exist
// with a readable public key.
func (l *Lambda) Verify(ctx context.Context, req engine.LaunchRequest, key string) error {
	want := auth.SanitizeHumanIdentifier(req.SSHKeyName)
	if want == "" {
		return &ProviderError{Provider: engine.ProviderLambda, Operation: "verify", Message: "ssh key name is required"}
	}

	var resp lambdaSSHKeysResponse
	if err := l.client.do(ctx, "verify", http.MethodGet, l.baseURL+"/api/v1/ssh-keys", key, nil, &resp); err != nil {
		return err
	}

	names := make([]string, 0, len(resp.Data))
	for _, k := range resp.Data {
		if k.Name != want {
			names = append(names, k.Name)
			continue
		}
		if k.PublicKey == "" {
			return nil
		}
		if _, err := KeyFingerprint(k.PublicKey); err != nil {
			return &ProviderError{
				Provider:  engine.ProviderLambda,
				Operation: "verify",
				Message:   fmt.Sprintf("ssh key %q has an unreadable public key", want),
				Err:       err,
			}
		}
		return nil
	}

	return &ProviderError{
		Provider:  engine.ProviderLambda,
		Operation: "verify",
		Message:   fmt.Sprintf("ssh key %q not found, account keys: %v", want, names),
	}
}

// KeyFingerprint returns the SHA256 fingerprint of an authorized_keys line.
func KeyFingerprint(publicKey string) (string, error) {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(pk), nil
}
