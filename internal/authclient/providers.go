package authclient

// ProviderSpec describes an OAuth provider the auth service can broker.
type ProviderSpec struct {
	Label  string
	Scopes []string
}

var Registry = map[string]ProviderSpec{
	"google": {
		Label: "Google",
	},
	"github": {
		Label:  "GitHub",
		Scopes: []string{"read:user", "user:email"},
	},
	"azure": {
		Label:  "Microsoft",
		Scopes: []string{"email"},
	},
	"gitlab": {
		Label: "GitLab",
	},
}

// Label returns the display name for a provider, falling back to the identifier.
func Label(provider string) string {
	if spec, ok := Registry[provider]; ok && spec.Label != "" {
		return spec.Label
	}
	return provider
}
