package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/teraunit/teraunit/pkg/engine"
)

// Vast drives the Vast.ai REST API. The instance type is the numeric id of
// the offer to accept; the agent runs through the "onstart" hook.
type Vast struct {
	baseURL string
	image   string
	client  *apiClient
}

// NewVast creates the Vast provider.
func NewVast(baseURL, image string, client *apiClient) *Vast {
	return &Vast{baseURL: strings.TrimRight(baseURL, "/"), image: image, client: client}
}

func (v *Vast) Name() engine.ProviderName { return engine.ProviderVast }

type vastAcceptRequest struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	Image    string `json:"image"`
	OnStart  string `json:"onstart"`
}

type vastAcceptResponse struct {
	Success     bool        `json:"success"`
	NewContract json.Number `json:"new_contract"`
	Error       string      `json:"error"`
	Msg         string      `json:"msg"`
}

// ParseOfferID validates a Vast offer id.
func ParseOfferID(instanceType string) (string, error) {
	offerID := strings.TrimSpace(instanceType)
	if offerID == "" || strings.EqualFold(offerID, "null") {
		return "", fmt.Errorf("missing Vast offer id: select a valid offer from the pricing list")
	}
	if _, err := strconv.ParseUint(offerID, 10, 64); err != nil {
		return "", fmt.Errorf("invalid Vast offer id %q: must be numeric", offerID)
	}
	return offerID, nil
}

// Launch implements Provider.
func (v *Vast) Launch(ctx context.Context, req engine.LaunchRequest, key, agentScript string) (string, error) {
	offerID, err := ParseOfferID(req.InstanceType)
	if err != nil {
		return "", &ProviderError{Provider: engine.ProviderVast, Operation: "launch", Message: err.Error()}
	}

	body := vastAcceptRequest{
		ID:       offerID,
		ClientID: "me",
		Image:    v.image,
		OnStart:  agentScript,
	}

	var resp vastAcceptResponse
	endpoint := v.baseURL + "/api/v0/asks/" + offerID + "/"
	if err := v.client.do(ctx, "launch", http.MethodPut, endpoint, key, body, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.NewContract.String() == "" {
		msg := strings.TrimSpace(resp.Error + " " + resp.Msg)
		if msg == "" {
			msg = "offer was not accepted"
		}
		return "", &ProviderError{Provider: engine.ProviderVast, Operation: "launch", Message: msg}
	}
	return resp.NewContract.String(), nil
}

// Terminate implements Provider.
func (v *Vast) Terminate(ctx context.Context, instanceID, key string) error {
	endpoint := v.baseURL + "/api/v0/instances/" + url.PathEscape(instanceID) + "/"
	err := v.client.do(ctx, "terminate", http.MethodDelete, endpoint, key, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Verify authenticates the key against the current-user endpoint.
func (v *Vast) Verify(ctx context.Context, _ engine.LaunchRequest, key string) error {
	return v.client.do(ctx, "verify", http.MethodGet, v.baseURL+"/api/v0/users/current/", key, nil, nil)
}
