package command

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/azmanagers/internal/azureapi"
)

// envTokenProvider is the thinnest possible azureapi.SessionProvider: it
// reads a pre-acquired bearer token from the environment. spec.md §1
// scopes OAuth token acquisition out of this module entirely ("treated as
// an external collaborator exposing only a SessionProvider{Token()
// string} contract"); this is the CLI's wiring of that contract, not an
// implementation of the acquisition flow itself. Real deployments are
// expected to supply a SessionProvider backed by whatever credential
// flow their environment already uses (managed identity, az login, a
// service principal) and pass it in instead.
type envTokenProvider struct {
	envVar string
}

var _ azureapi.SessionProvider = (*envTokenProvider)(nil)

func newEnvTokenProvider(envVar string) *envTokenProvider {
	if envVar == "" {
		envVar = "AZMANAGERS_ACCESS_TOKEN"
	}
	return &envTokenProvider{envVar: envVar}
}

func (p *envTokenProvider) Token() string {
	return strings.TrimSpace(os.Getenv(p.envVar))
}

func requireToken(p *envTokenProvider) error {
	if p.Token() == "" {
		return fmt.Errorf("no Azure access token found in $%s; acquire one out-of-band and export it", p.envVar)
	}
	return nil
}
