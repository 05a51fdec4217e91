package credentials

import (
	"fmt"

	"github.com/Ramsey-B/clover/pkg/crypto"
	"github.com/Ramsey-B/clover/pkg/models"
)

// secretFields lists every secret-bearing field of c. The credential must
// own its payload pointers; see copyCredential.
func secretFields(c *models.Credential) []*string {
	fields := []*string{&c.Settings.OutboundWebhookSecret, &c.Settings.InboundWebhookSecret}
	if o := c.Auth.OAuth; o != nil {
		fields = append(fields, &o.AccessToken, &o.RefreshToken)
	}
	if s := c.Auth.Session; s != nil {
		fields = append(fields, &s.SessionID, &s.RouteToken, &s.Password)
	}
	if k := c.Auth.APIKey; k != nil {
		fields = append(fields, &k.Key, &k.Secret)
	}
	return fields
}

// copyCredential copies c deeply enough that sealing the copy leaves c untouched.
func copyCredential(c *models.Credential) *models.Credential {
	out := *c
	if c.Auth.OAuth != nil {
		o := *c.Auth.OAuth
		out.Auth.OAuth = &o
	}
	if c.Auth.Session != nil {
		s := *c.Auth.Session
		out.Auth.Session = &s
	}
	if c.Auth.APIKey != nil {
		k := *c.Auth.APIKey
		out.Auth.APIKey = &k
	}
	out.AuditLog = append([]models.AuditEntry(nil), c.AuditLog...)
	return &out
}

func seal(enc crypto.Encryptor, c *models.Credential) (*models.Credential, error) {
	sealed := copyCredential(c)
	for _, f := range secretFields(sealed) {
		v, err := enc.Encrypt(*f)
		if err != nil {
			return nil, fmt.Errorf("failed to seal credential secret: %w", err)
		}
		*f = v
	}
	return sealed, nil
}

func open(enc crypto.Encryptor, c *models.Credential) (*models.Credential, error) {
	opened := copyCredential(c)
	for _, f := range secretFields(opened) {
		v, err := enc.Decrypt(*f)
		if err != nil {
			return nil, fmt.Errorf("failed to open credential secret: %w", err)
		}
		*f = v
	}
	return opened, nil
}
