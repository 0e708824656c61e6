package auth

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"

	"mailsync_server/core/domain"
)

// OutlookIMAPScope grants IMAP access through XOAUTH2.
const OutlookIMAPScope = "https://outlook.office.com/IMAP.AccessAsUser.All"

// GoogleConfig builds the Gmail read-only OAuth client.
func GoogleConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if clientID == "" || clientSecret == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

// MicrosoftConfig builds the Outlook OAuth client for the given tenant
// ("common" for personal and work accounts).
func MicrosoftConfig(clientID, clientSecret, redirectURL, tenant string) *oauth2.Config {
	if clientID == "" || clientSecret == "" {
		return nil
	}
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{OutlookIMAPScope, "offline_access"},
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

// ProviderConfigs maps providers to their OAuth clients, skipping the ones
// that are not configured.
func ProviderConfigs(googleCfg, microsoftCfg *oauth2.Config) map[domain.Provider]*oauth2.Config {
	configs := make(map[domain.Provider]*oauth2.Config, 2)
	if googleCfg != nil {
		configs[domain.ProviderGmail] = googleCfg
	}
	if microsoftCfg != nil {
		configs[domain.ProviderOutlook] = microsoftCfg
	}
	return configs
}
