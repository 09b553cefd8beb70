package ports

type ProcessIdentity struct {
	PID  int
	Host string
}

type ProcessProbe interface {
	Self() ProcessIdentity
	// Local reports whether id runs on this host.
	Local(id ProcessIdentity) bool
	// Dead is true only for local processes known to have exited.
	Dead(id ProcessIdentity) bool
}
