package cmd

// Pinger is the part of the stack the ping command drives.
type Pinger interface {
	Ping(dst string, budget uint32) (uint32, error)
}
