package epore

// Interest describes which readiness conditions a registration reports.
// Readable and Writable may be combined; Edge switches the registration
// from the default level-triggered delivery to edge-triggered, where a
// condition is reported once per transition instead of on every wait.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	Edge
)

func (i Interest) IsReadable() bool {
	return i&Readable != 0
}

func (i Interest) IsWritable() bool {
	return i&Writable != 0
}

func (i Interest) IsEdge() bool {
	return i&Edge != 0
}
