package gate

import "sync"

// credentials holds the session's secrets in one place so every teardown
// path clears them with a single call. Both Disconnect and every
// connect-failure unwind go through Clear — after it returns, no password
// remains reachable from the Session.
type credentials struct {
	mu                sync.Mutex
	password          string
	elevationPassword string
}

func newCredentials(password, elevationPassword string) *credentials {
	return &credentials{password: password, elevationPassword: elevationPassword}
}

func (c *credentials) Password() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.password
}

func (c *credentials) ElevationPassword() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elevationPassword
}

// HasElevationPassword reports whether an elevation password is still held.
func (c *credentials) HasElevationPassword() bool {
	return c.ElevationPassword() != ""
}

// Clear zeroes both passwords. Idempotent.
func (c *credentials) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = ""
	c.elevationPassword = ""
}
