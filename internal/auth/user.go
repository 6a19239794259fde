package auth

// User is the signed-in inspector as seen by the capture workflows.
type User struct {
	UserID      string
	DisplayName string
}

// CurrentUserProvider exposes the identity of whoever is signed in on the device.
type CurrentUserProvider interface {
	CurrentUser() (User, bool)
}
