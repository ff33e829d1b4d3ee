package domain

// HostnameResponse is the JSON body returned by GET /hostname.
type HostnameResponse struct {
	Endpoint           string `json:"endpoint"`
	CertificateHash    string `json:"certificate_hash"`
	AltCertificateHash string `json:"alt_certificate_hash,omitempty"`
}

// CertificateResponse is the JSON body returned by GET /certificates/{domain}.
type CertificateResponse struct {
	Domain             string `json:"domain"`
	URL                string `json:"url"`
	CertificateHash    string `json:"certificate_hash"`
	AltCertificateHash string `json:"alt_certificate_hash,omitempty"`
	UpdatedAt          string `json:"updated_at"`
}

// BindRequest is the optional JSON body of PUT /hostname.
type BindRequest struct {
	TunnelID string `json:"tunnel_id,omitempty"`
}

// BindResponse is returned by PUT /hostname. Token is only present when a
// new tunnel was created by the call.
type BindResponse struct {
	TunnelID string `json:"tunnel_id"`
	Token    string `json:"token,omitempty"`
}

// CreateTunnelResponse is returned by POST /tunnels.
type CreateTunnelResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// UpdateTunnelRequest is the JSON body of POST /tunnels/{id}/{token}.
type UpdateTunnelRequest struct {
	Endpoint        *string `json:"endpoint,omitempty"`
	CertificateHash *string `json:"certificate_hash,omitempty"`
}

// WebhookPayload is posted to a certificate webhook after rotation.
type WebhookPayload struct {
	CertificateHash string `json:"certificate_hash"`
}

// ErrorResponse is the JSON body returned by the directory for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
