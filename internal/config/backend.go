package config

// ConfigBackend is where persisted settings live. Keys are the dotted names
// from the key table, e.g. "rewrite.deadline". Values that are not ints are
// stored as text and parsed on load.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
