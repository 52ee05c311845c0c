package domain

// ConnID identifies one live transport connection. The transport
// adapter assigns it at upgrade time and it dies with the socket.
// It is a delivery address only, never shown to end users.
type ConnID string
