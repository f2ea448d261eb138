// Package flowise is the FlowiseGateway capability: a thin HTTP client
// over the Flowise REST API, built on github.com/worldline-go/klient.
// The circuit gate (internal/circuit) is the only caller of this
// package; it is never called directly so every transport failure is
// correctly attributed to the gateway circuit.
package flowise

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/flowisemcp/internal/circuit"
	"github.com/rakunlabs/flowisemcp/internal/core"
)

// ChatflowType mirrors Flowise's `type` field on a chatflow resource.
type ChatflowType string

const (
	TypeChatflow   ChatflowType = "CHATFLOW"
	TypeMultiAgent ChatflowType = "MULTIAGENT"
	TypeAgentflow  ChatflowType = "AGENTFLOW"
)

// Chatflow is the subset of the Flowise chatflow resource the engine
// reads back after creation.
type Chatflow struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Deployed bool   `json:"deployed,omitempty"`
}

// Client is the Flowise REST API client.
type Client struct {
	http    *klient.Client
	timeout time.Duration
}

// New builds a Client against baseURL, authenticating with apiKey (if
// non-empty) as a bearer token and bounding every request to timeout,
// matching gateway.timeout_s. The timeout is applied via
// context.WithTimeout around each call, the same contract circuit.Call
// expects of its Attempt functions.
func New(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}

	c, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build flowise client: %w", err)
	}

	return &Client{http: c, timeout: timeout}, nil
}

// rawNode is Flowise's wire shape for GET /v1/nodes entries; only the
// fields the catalog cache needs are decoded, everything else (icon,
// inputParams rendering hints, tags) is dropped at this boundary.
type rawNode struct {
	Name        string          `json:"name"`
	Version     json.Number     `json:"version"`
	Label       string          `json:"label"`
	Category    string          `json:"category"`
	BaseClasses []string        `json:"baseClasses"`
	Description string          `json:"description"`
	Deprecated  bool            `json:"deprecated"`
	Credential  *rawCredential  `json:"credential"`
	Inputs      []rawInputParam `json:"inputAnchors"`
	Outputs     []rawOutput     `json:"outputAnchors"`
}

type rawCredential struct {
	CredentialNames []string `json:"credentialNames"`
}

type rawInputParam struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional"`
	List     bool   `json:"list"`
}

type rawOutput struct {
	Name      string   `json:"name"`
	BaseClass []string `json:"baseClasses"`
}

// ListNodes fetches the live node type catalog from GET /v1/nodes and
// translates it into core.NodeDescriptor, implementing
// catalog.NodeLister.
func (c *Client) ListNodes(ctx context.Context) ([]core.NodeDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1/nodes", nil)
	if err != nil {
		return nil, err
	}

	var raws []rawNode
	if err := c.doJSON(req, &raws); err != nil {
		// The catalog refresh gates this call directly, so 4xx
		// rejections are classified here rather than at the call site.
		return nil, ClassifyError(err)
	}

	out := make([]core.NodeDescriptor, 0, len(raws))
	for _, n := range raws {
		d := core.NodeDescriptor{
			Name:        n.Name,
			Version:     n.Version.String(),
			Label:       n.Label,
			Category:    n.Category,
			BaseClasses: n.BaseClasses,
			Description: n.Description,
			Deprecated:  n.Deprecated,
		}
		if n.Credential != nil {
			d.CredentialTypes = n.Credential.CredentialNames
		}
		for _, a := range n.Inputs {
			d.InputAnchors = append(d.InputAnchors, core.InputAnchor{
				Name:         a.Name,
				RequiredType: a.Type,
				Optional:     a.Optional,
				List:         a.List,
			})
		}
		for _, a := range n.Outputs {
			d.OutputAnchors = append(d.OutputAnchors, core.OutputAnchor{
				Name:      a.Name,
				TypeChain: a.BaseClass,
			})
		}
		out = append(out, d)
	}
	return out, nil
}

// createChatflowRequest is the POST /v1/chatflows body.
type createChatflowRequest struct {
	Name     string `json:"name"`
	FlowData string `json:"flowData"`
	Type     string `json:"type"`
	Deployed bool   `json:"deployed"`
}

// CreateChatflow submits the serialized flow graph, implementing
// construct.GatewayClient. flowData is the already-marshaled JSON wire
// shape; the engine never hands this package a
// core.FlowGraph directly, keeping the serialization boundary single.
func (c *Client) CreateChatflow(ctx context.Context, name, flowData string, typ ChatflowType, deployed bool) (Chatflow, error) {
	body, err := json.Marshal(createChatflowRequest{Name: name, FlowData: flowData, Type: string(typ), Deployed: deployed})
	if err != nil {
		return Chatflow{}, fmt.Errorf("marshal create-chatflow request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/chatflows", bytes.NewReader(body))
	if err != nil {
		return Chatflow{}, err
	}

	var out Chatflow
	if err := c.doJSON(req, &out); err != nil {
		return Chatflow{}, err
	}
	return out, nil
}

// GetChatflow fetches a chatflow by id.
func (c *Client) GetChatflow(ctx context.Context, id string) (Chatflow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1/chatflows/"+id, nil)
	if err != nil {
		return Chatflow{}, err
	}
	var out Chatflow
	if err := c.doJSON(req, &out); err != nil {
		return Chatflow{}, err
	}
	return out, nil
}

// UpdateChatflow patches an existing chatflow's name/flowData/deployed flag.
func (c *Client) UpdateChatflow(ctx context.Context, id, name, flowData string, deployed bool) (Chatflow, error) {
	body, err := json.Marshal(map[string]any{"name": name, "flowData": flowData, "deployed": deployed})
	if err != nil {
		return Chatflow{}, fmt.Errorf("marshal update-chatflow request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "/v1/chatflows/"+id, bytes.NewReader(body))
	if err != nil {
		return Chatflow{}, err
	}
	var out Chatflow
	if err := c.doJSON(req, &out); err != nil {
		return Chatflow{}, err
	}
	return out, nil
}

// DeleteChatflow removes a chatflow by id.
func (c *Client) DeleteChatflow(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, "/v1/chatflows/"+id, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

// RunPrediction invokes a deployed chatflow with question, returning
// the raw JSON response payload (Flowise's prediction shape varies by
// chain type, so callers outside the core decode it further).
func (c *Client) RunPrediction(ctx context.Context, chatflowID string, question string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"question": question})
	if err != nil {
		return nil, fmt.Errorf("marshal prediction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/prediction/"+chatflowID, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.doJSON(req, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// StatusError marks a non-2xx HTTP response with its class so the
// circuit gate (internal/circuit) can distinguish a validation/business
// rejection (4xx, never counted against the circuit) from a transport
// failure (5xx, counted against the circuit).
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("flowise returned status %d: %s", e.StatusCode, e.Body)
}

// IsValidation reports whether this failure is a 4xx business
// rejection the circuit gate must not count, per corefail's taxonomy.
func (e *StatusError) IsValidation() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// ClassifyError translates a 4xx StatusError into a circuit.ErrValidation-
// wrapped error so callers that gate this client's methods through
// circuit.Call never count a business rejection against the gateway
// circuit. Any other error, including
// a 5xx StatusError, passes through unchanged as a transport failure.
func ClassifyError(err error) error {
	if err == nil || errors.Is(err, circuit.ErrValidation) {
		return err
	}
	var se *StatusError
	if errors.As(err, &se) && se.IsValidation() {
		return fmt.Errorf("%w: %s", circuit.ErrValidation, se)
	}
	return err
}

// doJSON executes req and decodes a JSON response body into out (when
// non-nil), returning non-2xx responses as *StatusError. It does not
// wrap 4xx responses in circuit.ErrValidation itself; ClassifyError
// does that where a method's result is gated through circuit.Call.
func (c *Client) doJSON(req *http.Request, out any) error {
	ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
	defer cancel()
	req = req.WithContext(ctx)

	return c.http.Do(req, func(r *http.Response) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("read flowise response: %w", err)
		}

		if r.StatusCode < 200 || r.StatusCode >= 300 {
			return &StatusError{StatusCode: r.StatusCode, Body: string(body)}
		}

		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode flowise response: %w (body: %s)", err, string(body))
		}
		return nil
	})
}
