package imapworker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/driftmail-io/driftmail/internal/accounts"
)

// OAuth2App holds the registered application credentials for one provider.
type OAuth2App struct {
	ClientID     string
	ClientSecret string
}

// Provider token endpoints supported out of the box.
var providerEndpoints = map[string]oauth2.Endpoint{
	"gmail": {
		AuthURL:  "https://accounts.google.com/o/oauth2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	},
	"outlook": {
		AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	},
}

// accessTokenSkew refreshes tokens this long before they actually expire so
// a login never races the expiry.
const accessTokenSkew = time.Minute

// accessToken returns a valid access token for the account, refreshing and
// caching it when the stored one has expired.
func (d *NetDialer) accessToken(ctx context.Context, acc *accounts.Account) (string, error) {
	cfg := acc.OAuth2
	if cfg == nil {
		return "", fmt.Errorf("%w: account %s has no oauth2 credentials", ErrAuthFailed, acc.ID)
	}
	if cfg.AccessToken != "" && time.Now().Add(accessTokenSkew).Before(cfg.Expires) {
		return cfg.AccessToken, nil
	}

	app, ok := d.apps[cfg.Provider]
	if !ok {
		return "", fmt.Errorf("%w: oauth2 provider %q is not configured", ErrAuthFailed, cfg.Provider)
	}
	endpoint, ok := providerEndpoints[cfg.Provider]
	if !ok {
		return "", fmt.Errorf("%w: unknown oauth2 provider %q", ErrAuthFailed, cfg.Provider)
	}

	oc := oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		Endpoint:     endpoint,
	}
	token, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}).Token()
	if err != nil {
		// A rejected refresh token is an authentication failure: the
		// account parks until the operator re-authorizes.
		return "", fmt.Errorf("%w: token refresh: %s", ErrAuthFailed, err.Error())
	}

	if err := d.registry.CacheAccessToken(ctx, acc.ID, token.AccessToken, token.Expiry); err != nil {
		d.logger.Warn("failed to cache refreshed access token")
	}
	cfg.AccessToken = token.AccessToken
	cfg.Expires = token.Expiry
	return token.AccessToken, nil
}

// xoauth2Client is the SASL XOAUTH2 mechanism used by Gmail and Outlook.
type xoauth2Client struct {
	user  string
	token string
	done  bool
}

func newXOAuth2Client(user, token string) *xoauth2Client {
	return &xoauth2Client{user: user, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.user + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// The server sends a single JSON challenge on failure; an empty
	// response makes it finish with the tagged NO.
	if c.done {
		return nil, fmt.Errorf("imapworker: unexpected xoauth2 challenge %q", challenge)
	}
	c.done = true
	return []byte{}, nil
}
