package oauth

import "time"

// SigningKeyContainer is the persisted form of a signing key. Data holds the
// PEM encoded private key, protected when DataProtected is set.
type SigningKeyContainer struct {
	ID                string    `json:"id"`
	Algorithm         string    `json:"alg"`
	Created           time.Time `json:"created"`
	IsX509Certificate bool      `json:"is_x509_certificate"`
	DataProtected     bool      `json:"data_protected"`
	Data              string    `json:"data"`
	CertificateData   string    `json:"certificate_data,omitempty"`
}

// Age returns how long ago the key was created.
func (c SigningKeyContainer) Age(now time.Time) time.Duration {
	return now.Sub(c.Created)
}
