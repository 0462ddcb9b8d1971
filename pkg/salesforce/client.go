// Package salesforce provides JWT-authenticated, rate-limited read access to the Salesforce REST API.
package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the Salesforce API operations used by the CRM import.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
	DescribeSObject(ctx context.Context, name string) (*SObjectDescription, error)
}

// SObjectField describes a single field on a Salesforce SObject.
type SObjectField struct {
	Name       string `json:"name"`
	Label      string `json:"label"`
	Type       string `json:"type"`
	Length     int    `json:"length"`
	Updateable bool   `json:"updateable"`
}

// SObjectDescription holds metadata about a Salesforce SObject.
type SObjectDescription struct {
	Name   string         `json:"name"`
	Label  string         `json:"label"`
	Fields []SObjectField `json:"fields"`
}

// compoundTypes cannot be selected alongside their component fields in SOQL.
var compoundTypes = map[string]bool{
	"address":  true,
	"location": true,
}

// QueryableFields returns the names of fields that can be selected directly.
func (d *SObjectDescription) QueryableFields() []string {
	out := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		if compoundTypes[f.Type] {
			continue
		}
		out = append(out, f.Name)
	}
	return out
}

// Creds are the JWT bearer flow credentials for a connected app.
type Creds struct {
	LoginURL string
	Username string
	ClientID string
	KeyPEM   string
}

// ClientOption configures the Salesforce client.
type ClientOption func(*sfClient)

// WithRateLimit sets a per-second rate limit for SF API calls.
// A burst equal to the integer portion of rps is allowed.
func WithRateLimit(rps float64) ClientOption {
	return func(c *sfClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// sfClient wraps the go-salesforce/v3 Salesforce struct.
//
// NOTE: The underlying go-salesforce/v3 library does not accept context.Context,
// so all methods discard the ctx parameter for the SF call itself. However, the
// ctx is used for rate limiter waiting, so callers can still cancel that wait.
type sfClient struct {
	sf      *salesforce.Salesforce
	limiter *rate.Limiter
}

// NewClient creates a new Salesforce Client wrapping the given go-salesforce instance.
func NewClient(sf *salesforce.Salesforce, opts ...ClientOption) Client {
	c := &sfClient{sf: sf}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial authenticates with the JWT bearer flow and returns a Client.
func Dial(creds Creds, opts ...ClientOption) (Client, error) {
	if creds.ClientID == "" {
		return nil, eris.New("sf: client id is required")
	}
	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         creds.LoginURL,
		Username:       creds.Username,
		ConsumerKey:    creds.ClientID,
		ConsumerRSAPem: creds.KeyPEM,
	})
	if err != nil {
		return nil, eris.Wrap(err, "sf: init")
	}
	return NewClient(sf, opts...), nil
}

// call waits for the limiter, then runs fn. Errors are wrapped with op.
func (c *sfClient) call(ctx context.Context, op string, fn func() error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "sf: rate limit")
		}
	}
	if err := fn(); err != nil {
		return eris.Wrap(err, "sf: "+op)
	}
	return nil
}

func (c *sfClient) Query(ctx context.Context, soql string, out any) error {
	return c.call(ctx, "query", func() error {
		return c.sf.Query(soql, out)
	})
}

func (c *sfClient) DescribeSObject(ctx context.Context, name string) (*SObjectDescription, error) {
	var desc SObjectDescription
	err := c.call(ctx, fmt.Sprintf("describe %s", name), func() error {
		resp, err := c.sf.DoRequest(http.MethodGet, "/sobjects/"+name+"/describe", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close() //nolint:errcheck
		if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
			return eris.Wrap(err, "decode")
		}
		if len(desc.Fields) == 0 {
			return eris.New("no fields in description")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &desc, nil
}
