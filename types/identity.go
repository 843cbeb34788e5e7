package types

// IdentityKind discriminates the caller identity variant.
type IdentityKind int

const (
	// IdentityNone means the request carried no usable identity.
	IdentityNone IdentityKind = iota
	// IdentityUser is an authenticated user (JWT cookie).
	IdentityUser
	// IdentityAnon is a not-logged-in caller identified by an opaque
	// client-held token (anon cookie).
	IdentityAnon
)

// Identity is a tagged variant: Authenticated{UserID} | Anonymous{AnonID} | None.
// Exactly one of UserID/AnonID is set depending on Kind; access-control
// decisions must switch on Kind rather than probe optional fields.
type Identity struct {
	Kind   IdentityKind
	UserID string
	AnonID string
}

// NoIdentity returns the absent identity.
func NoIdentity() Identity {
	return Identity{Kind: IdentityNone}
}

// UserIdentity returns an authenticated identity for the given user id.
func UserIdentity(userID string) Identity {
	return Identity{Kind: IdentityUser, UserID: userID}
}

// AnonIdentity returns an anonymous identity for the given client token.
func AnonIdentity(anonID string) Identity {
	return Identity{Kind: IdentityAnon, AnonID: anonID}
}

// IsPresent reports whether any identity is set.
func (id Identity) IsPresent() bool {
	return id.Kind != IdentityNone
}
