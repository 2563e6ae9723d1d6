package facebook

import (
	"strings"

	"golang.org/x/oauth2"
	fboauth "golang.org/x/oauth2/facebook"
)

// DefaultPermissions is requested when none are configured.
const DefaultPermissions = "manage_pages,pages_show_list,pages_messaging"

// OAuthConfig returns the Facebook login client configuration. permissions
// is a comma separated scope list.
func OAuthConfig(appID, appSecret, redirectURL, permissions string) *oauth2.Config {
	if permissions == "" {
		permissions = DefaultPermissions
	}
	var scopes []string
	for _, s := range strings.Split(permissions, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return &oauth2.Config{
		ClientID:     appID,
		ClientSecret: appSecret,
		RedirectURL:  redirectURL,
		Endpoint:     fboauth.Endpoint,
		Scopes:       scopes,
	}
}
