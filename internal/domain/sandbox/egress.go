package sandbox

// EgressRule permits outbound connectivity to one destination. Host may be
// an exact FQDN or a wildcard pattern such as "*.example.com".
type EgressRule struct {
	Host     string `json:"host"`
	Ports    []int  `json:"ports,omitempty"`
	Protocol string `json:"protocol,omitempty"` // tcp | udp, defaults tcp
}

// EgressPolicy scopes a sandbox's outbound connectivity to the scan's
// declared target plus explicitly allowed auxiliary destinations. A policy
// never outlives its sandbox.
type EgressPolicy struct {
	SandboxID  string       `json:"sandbox_id"`
	TenantID   string       `json:"tenant_id"`
	TargetHost string       `json:"target_host"`
	Rules      []EgressRule `json:"rules,omitempty"`
}
