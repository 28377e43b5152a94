package gate

// FederatedIdentity is the subset of an upstream identity-provider claim set
// that this server maps onto issued principals.
type FederatedIdentity struct {
	// Email is taken from the preferred_username claim. Empty when the
	// upstream omits the claim.
	Email string

	// Name is taken from the name claim. Empty when the upstream omits the
	// claim.
	Name string

	// Subject is the upstream's stable subject identifier.
	Subject string
}

// IdentityFromClaims extracts a FederatedIdentity from a verified upstream
// claim set. Missing or non-string claims fall back to the empty string; a
// principal can still be issued for such an identity.
func IdentityFromClaims(claims map[string]any) FederatedIdentity {
	return FederatedIdentity{
		Email:   stringClaim(claims, "preferred_username"),
		Name:    stringClaim(claims, "name"),
		Subject: stringClaim(claims, "sub"),
	}
}

func stringClaim(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// Principal is the resolved authorization subject attached to an admitted
// authorization request. Its subject and email both carry the federated
// email, and its scopes are the full configured scope set.
type Principal struct {
	Subject string
	Email   string
	Name    string
	Scopes  []string
}

// PrincipalFor maps a federated identity onto a principal under this
// gatekeeper's policy. The principal's subject is the identity's email and
// the granted scopes are every configured scope name.
func (g *Gatekeeper) PrincipalFor(identity FederatedIdentity) Principal {
	return Principal{
		Subject: identity.Email,
		Email:   identity.Email,
		Name:    identity.Name,
		Scopes:  g.policy.ScopeNames(),
	}
}
