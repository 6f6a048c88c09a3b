package nsx

import "fmt"

// NodeKind is the transport node role parsed from the API's resource-type
// discriminator.
type NodeKind string

const (
	KindEdge  NodeKind = "edge"
	KindHost  NodeKind = "host"
	KindOther NodeKind = "other"
)

// TransportNode is one node as reported by the NSX-T Manager inventory.
type TransportNode struct {
	ID              string
	DisplayName     string
	IPAddress       string
	Hostname        string
	MaintenanceMode string
	Kind            NodeKind
}

// Credential is the anti-forgery token issued by the session-create
// endpoint. It is an immutable value attached to every subsequent API call;
// expiry is handled by re-authenticating, never by mutating it.
type Credential struct {
	Token string
}

// AuthError reports a failed login handshake. Retryable distinguishes
// transient faults (manager unreachable) from configuration errors that
// retrying cannot fix (unsupported auth method, bad credentials).
type AuthError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nsx auth failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("nsx auth failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is any non-2xx response from the inventory API.
type APIError struct {
	Code int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nsx api returned status %d", e.Code)
}

// AuthExpired reports whether the error signals a stale session token, in
// which case the caller re-authenticates once and retries once.
func (e *APIError) AuthExpired() bool {
	return e.Code == 401 || e.Code == 403
}

// listResponse mirrors the transport-node listing payload.
type listResponse struct {
	Results []apiNode `json:"results"`
}

type apiNode struct {
	ID                 string             `json:"id"`
	DisplayName        string             `json:"display_name"`
	MaintenanceMode    string             `json:"maintenance_mode"`
	NodeDeploymentInfo nodeDeploymentInfo `json:"node_deployment_info"`
}

type nodeDeploymentInfo struct {
	ResourceType string       `json:"resource_type"`
	IPAddresses  []string     `json:"ip_addresses"`
	NodeSettings nodeSettings `json:"node_settings"`
}

type nodeSettings struct {
	Hostname string `json:"hostname"`
}

func (n apiNode) toTransportNode() TransportNode {
	var kind NodeKind
	switch n.NodeDeploymentInfo.ResourceType {
	case "EdgeNode":
		kind = KindEdge
	case "HostNode":
		kind = KindHost
	default:
		kind = KindOther
	}
	var ip string
	if len(n.NodeDeploymentInfo.IPAddresses) > 0 {
		ip = n.NodeDeploymentInfo.IPAddresses[0]
	}
	return TransportNode{
		ID:              n.ID,
		DisplayName:     n.DisplayName,
		IPAddress:       ip,
		Hostname:        n.NodeDeploymentInfo.NodeSettings.Hostname,
		MaintenanceMode: n.MaintenanceMode,
		Kind:            kind,
	}
}
