package tokensource

import (
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	// DefaultAuthority is the Microsoft identity platform host for the global cloud.
	DefaultAuthority = "https://login.microsoftonline.com"

	// DefaultTenant restricts sign-in to personal Microsoft accounts.
	DefaultTenant = "consumers"
)

// DefaultScopes are requested by both grants. offline_access is required for
// the server to issue a refresh token.
var DefaultScopes = []string{"openid", "offline_access", "user.read", "Calendars.Read"}

// Endpoint returns the v2.0 endpoints of tenant under the given authority.
// An empty authority selects DefaultAuthority.
func Endpoint(authority, tenant string) oauth2.Endpoint {
	if tenant == "" {
		tenant = DefaultTenant
	}

	authority = strings.TrimRight(authority, "/")
	if authority == "" || authority == DefaultAuthority {
		endpoint := microsoft.AzureADEndpoint(tenant)
		if endpoint.DeviceAuthURL == "" {
			endpoint.DeviceAuthURL = DefaultAuthority + "/" + tenant + "/oauth2/v2.0/devicecode"
		}
		endpoint.AuthStyle = oauth2.AuthStyleInParams
		return endpoint
	}

	base := authority + "/" + tenant + "/oauth2/v2.0"
	return oauth2.Endpoint{
		AuthURL:       base + "/authorize",
		DeviceAuthURL: base + "/devicecode",
		TokenURL:      base + "/token",
		AuthStyle:     oauth2.AuthStyleInParams,
	}
}
